package simulate

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-x/ttr-gestion-sub000/remote/memremote"
	"github.com/TTR-x/ttr-gestion-sub000/server"
)

func newSimulator(t *testing.T, output string) *Simulator {
	t.Helper()
	srv := server.New(server.Config{
		Backend:   memremote.New(),
		Auth:      server.NewJWTAuth("simulate-secret"),
		DevSignin: true,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	sim, err := New(Config{
		ServerURL:    ts.URL,
		Dir:          t.TempDir(),
		PollInterval: 50 * time.Millisecond,
		Timeout:      5 * time.Second,
		OutputFile:   output,
	})
	require.NoError(t, err)
	return sim
}

func TestScenarios(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end scenarios")
	}
	for _, name := range AvailableScenarios() {
		t.Run(name, func(t *testing.T) {
			sim := newSimulator(t, "")
			require.NoError(t, sim.RunScenario(context.Background(), name))
		})
	}
}

func TestRunAllWritesReport(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end scenarios")
	}
	out := filepath.Join(t.TempDir(), "report.json")
	sim := newSimulator(t, out)
	require.NoError(t, sim.RunAll(context.Background(), "offline-online", "device-limit"))
	require.NoError(t, sim.Close())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var report FinalReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, 2, report.TotalScenarios)
	assert.Equal(t, 2, report.SuccessfulRuns)
	assert.Zero(t, report.FailedRuns)
	assert.Equal(t, "offline-online", report.Scenarios[0].Name)
}

func TestUnknownScenarioIsReported(t *testing.T) {
	sim := newSimulator(t, "")
	err := sim.RunAll(context.Background(), "no-such-scenario")
	require.ErrorContains(t, err, "unknown scenario")
	assert.Zero(t, sim.Reporter().Final().TotalScenarios)
}

func TestNewRequiresServer(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
