package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seferet/allocation-engine/workflow"
)

func TestParse_FillsDefaults(t *testing.T) {
	// GIVEN: A transport policy that only overrides the hold TTL
	// WHEN: Parsing it
	// THEN: The other fields keep the default hold policy

	f := NewPolicyFactory()
	policies, err := f.Parse([]byte(`{"policies":[{"provider_type":"transport","hold_ttl":"24h"}]}`))

	require.NoError(t, err)
	require.Contains(t, policies, workflow.ProviderTransport)
	p := policies[workflow.ProviderTransport]
	assert.Equal(t, 24*time.Hour, p.HoldTTL)
	assert.Equal(t, workflow.DefaultHoldPolicy.ResponseWindow, p.ResponseWindow)
	assert.Equal(t, workflow.DefaultHoldPolicy.ReminderLookahead, p.ReminderLookahead)
	assert.Equal(t, workflow.StatusRejected, p.RollbackTarget)

	assert.Equal(t, workflow.DefaultHoldPolicy, policies.For(workflow.ProviderHotel))
}

func TestParse_RollbackToPending(t *testing.T) {
	f := NewPolicyFactory()
	policies, err := f.Parse([]byte(`{"policies":[{"provider_type":"hotel","rollback_target":"pending"}]}`))

	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, policies[workflow.ProviderHotel].RollbackTarget)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"bad json":          `{"policies":`,
		"unknown type":      `{"policies":[{"provider_type":"airline"}]}`,
		"bad duration":      `{"policies":[{"provider_type":"hotel","hold_ttl":"three days"}]}`,
		"negative duration": `{"policies":[{"provider_type":"hotel","response_window":"-1h"}]}`,
		"bad target":        `{"policies":[{"provider_type":"hotel","rollback_target":"approved"}]}`,
		"duplicate":         `{"policies":[{"provider_type":"hotel"},{"provider_type":"hotel"}]}`,
	}
	f := NewPolicyFactory()
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewPolicyFactory()
	in := workflow.HoldPolicy{
		HoldTTL:           36 * time.Hour,
		ResponseWindow:    12 * time.Hour,
		ReminderLookahead: 2 * time.Hour,
		RollbackTarget:    workflow.StatusPending,
	}

	out, err := f.FromJSON(f.ToJSON(workflow.ProviderHotel, in))

	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadFile(t *testing.T) {
	f := NewPolicyFactory()

	policies, err := f.LoadFile("")
	require.NoError(t, err)
	assert.Empty(t, policies)

	path := filepath.Join(t.TempDir(), "hold_policies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"policies":[{"provider_type":"hotel","reminder_lookahead":"6h"}]}`), 0o600))
	policies, err = f.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, policies[workflow.ProviderHotel].ReminderLookahead)

	_, err = f.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
