package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMFASecret = "0123456789abcdef0123456789abcdef"

func TestLoad_MFASecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "empty", secret: "", wantErr: true},
		{name: "too short", secret: "not-long-enough", wantErr: true},
		{name: "long enough", secret: testMFASecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MFA_SECRET", tt.secret)

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "MFASecret")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.secret, cfg.MFASecret)
		})
	}
}

func TestQueues(t *testing.T) {
	cfg := Config{
		TransportQueues:     []string{"acme:web=acme-signals", " ", "beta:api=beta-signals"},
		TransportQueueOwner: "dispatch-signals",
		TransportRegion:     "eu-west-1",
		TransportBatchSize:  10,
	}

	queues, err := cfg.Queues()
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, QueueConfig{
		Organization: "acme",
		Project:      "web",
		Name:         "acme-signals",
		Owner:        "dispatch-signals",
		Region:       "eu-west-1",
		BatchSize:    10,
	}, queues[0])

	for _, raw := range []string{"acme=signals", "acme:web", ":web=signals"} {
		_, err := Config{TransportQueues: []string{raw}}.Queues()
		assert.Error(t, err, raw)
	}
}

func TestOncallServiceEmails(t *testing.T) {
	services, err := Config{OncallServices: []string{"42=oncall@example.com", ""}}.OncallServiceEmails()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{42: "oncall@example.com"}, services)

	_, err = Config{OncallServices: []string{"pager=oncall@example.com"}}.OncallServiceEmails()
	assert.Error(t, err)
}
