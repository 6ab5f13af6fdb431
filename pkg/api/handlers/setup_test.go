package handlers

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/engine"
	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/inspection"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
	"github.com/ghx-ops/console/pkg/store"
)

// fakeSession scripts remote commands by substring, in rule order.
type fakeRule struct {
	match  string
	stdout string
	exit   int
	err    error
}

type fakeSession struct {
	rules []fakeRule
}

func (f *fakeSession) Run(command string, _ time.Duration, _ bool) (*sshx.CommandResult, error) {
	for _, r := range f.rules {
		if strings.Contains(command, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			return &sshx.CommandResult{Command: command, Stdout: r.stdout, ExitCode: r.exit}, nil
		}
	}
	return &sshx.CommandResult{Command: command}, nil
}

func (f *fakeSession) Upload(string, string, bool) error { return nil }
func (f *fakeSession) Close() error                      { return nil }

type testEnv struct {
	App      *fiber.App
	Store    *store.SQLiteStore
	Bus      *events.Bus
	Manager  *inspection.Manager
	Ingester *store.Ingester
	Catalog  *benchmark.Catalog
	Shared   string
	Sessions map[string]*fakeSession
}

// setupTestEnv builds a fresh Fiber app with an in-temp-dir store and a
// manager whose transport is scripted per host.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ghx.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(func() {
		bus.Close()
		st.Close()
	})

	catalog := benchmark.NewCatalog(map[string]map[string]float64{
		"H100": {"bw": 40, "p2p": 700, "nccl": 139},
	})
	shared := t.TempDir()
	env := &testEnv{
		App:      fiber.New(),
		Store:    st,
		Bus:      bus,
		Ingester: store.NewIngester(st, bus, shared, 30),
		Catalog:  catalog,
		Shared:   shared,
		Sessions: make(map[string]*fakeSession),
	}

	env.Manager = inspection.NewManager(catalog, engine.Assets{Dir: t.TempDir()}, bus)
	env.Manager.SetSessionOpener(env.open)
	return env
}

func (e *testEnv) open(conn models.Connection) (inspection.Session, error) {
	s, ok := e.Sessions[conn.Host]
	if !ok {
		return nil, fmt.Errorf("no session scripted for %s", conn.Host)
	}
	return s, nil
}
