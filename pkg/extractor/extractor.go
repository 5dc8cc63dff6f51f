package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// WholePayload is the jpath that selects the entire payload
const WholePayload = "."

// EntityStore persists extracted entities
type EntityStore interface {
	UpsertEntity(ctx context.Context, projectID, entityTypeID uuid.UUID, value string) (*models.Entity, error)
	AssociateEntities(ctx context.Context, signalInstanceID uuid.UUID, entityIDs []uuid.UUID) error
}

type Extractor struct {
	store  EntityStore
	logger ectologger.Logger

	mu      sync.RWMutex
	paths   map[string]*jmespath.JMESPath
	regexps map[string]*regexp.Regexp
}

func NewExtractor(store EntityStore, logger ectologger.Logger) *Extractor {
	return &Extractor{
		store:   store,
		logger:  logger,
		paths:   make(map[string]*jmespath.JMESPath),
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Types returns the entity types that apply to a signal: its own associations
// plus every project type scoped to all signals.
func Types(signal *models.Signal, projectTypes []models.EntityType) []models.EntityType {
	seen := make(map[uuid.UUID]bool)
	types := make([]models.EntityType, 0, len(signal.EntityTypes)+len(projectTypes))
	for _, et := range signal.EntityTypes {
		if !seen[et.ID] {
			seen[et.ID] = true
			types = append(types, et)
		}
	}
	scopedToAll := ectolinq.Filter(projectTypes, func(et models.EntityType) bool {
		return et.Scope == models.EntityScopeAll
	})
	for _, et := range scopedToAll {
		if !seen[et.ID] {
			seen[et.ID] = true
			types = append(types, et)
		}
	}
	return types
}

// Extract runs every entity type over the instance payload, upserts the matches
// and associates them with the instance. A failing type is logged and skipped.
func (e *Extractor) Extract(ctx context.Context, instance *models.SignalInstance, types []models.EntityType) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "Extractor.Extract")
	defer span.End()

	log := e.logger.WithContext(ctx).WithField("signal_instance_id", instance.ID.String())

	entities := make([]models.Entity, 0)
	seen := make(map[uuid.UUID]bool)

	for _, et := range types {
		values, err := e.Values(instance.Raw.Data, et)
		if err != nil {
			metrics.EntityExtractFailuresTotal.Inc()
			log.WithError(err).WithField("entity_type", et.Name).Warn("Skipping entity type")
			continue
		}

		for _, value := range values {
			entity, err := e.store.UpsertEntity(ctx, instance.ProjectID, et.ID, value)
			if err != nil {
				return nil, err
			}
			if seen[entity.ID] {
				continue
			}
			seen[entity.ID] = true
			entities = append(entities, *entity)
		}
	}

	if len(entities) == 0 {
		return entities, nil
	}

	ids := ectolinq.Map(entities, func(entity models.Entity) uuid.UUID {
		return entity.ID
	})
	if err := e.store.AssociateEntities(ctx, instance.ID, ids); err != nil {
		return nil, err
	}

	log.WithField("entities", len(entities)).Debug("Extracted entities")
	return entities, nil
}

// Values returns the distinct values an entity type extracts from payload, in match order
func (e *Extractor) Values(payload map[string]any, et models.EntityType) ([]string, error) {
	jpath := WholePayload
	if et.JPath != nil && strings.TrimSpace(*et.JPath) != "" {
		jpath = strings.TrimSpace(*et.JPath)
	}

	inputs, err := e.inputs(payload, jpath)
	if err != nil {
		return nil, err
	}

	var re *regexp.Regexp
	if et.RegularExpression != nil && *et.RegularExpression != "" {
		re, err = e.compileRegexp(*et.RegularExpression)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	values := make([]string, 0)
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}

	for _, input := range inputs {
		if re == nil {
			add(input)
			continue
		}
		for _, match := range re.FindAllString(input, -1) {
			add(match)
		}
	}

	return values, nil
}

func (e *Extractor) inputs(payload map[string]any, jpath string) ([]string, error) {
	if jpath == WholePayload {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.EntityExtractFailure, err, "failed to serialize payload")
		}
		return []string{string(b)}, nil
	}

	compiled, err := e.compilePath(jpath)
	if err != nil {
		return nil, err
	}

	result, err := compiled.Search(payload)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.EntityExtractFailure, err, fmt.Sprintf("failed to evaluate jpath %q", jpath))
	}

	return flatten(result), nil
}

func flatten(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, flatten(item)...)
		}
		return out
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []string{fmt.Sprintf("%v", v)}
		}
		return []string{string(b)}
	}
}

func (e *Extractor) compilePath(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	compiled, ok := e.paths[expression]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.EntityExtractFailure, err, fmt.Sprintf("invalid jpath %q", expression))
	}

	e.mu.Lock()
	e.paths[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}

func (e *Extractor) compileRegexp(expression string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexps[expression]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(expression)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.EntityExtractFailure, err, fmt.Sprintf("invalid regular expression %q", expression))
	}

	e.mu.Lock()
	e.regexps[expression] = re
	e.mu.Unlock()
	return re, nil
}
