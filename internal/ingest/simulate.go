package ingest

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/accesswatch/internal/engine"
)

// SimulateConfig sizes a synthetic data set.
type SimulateConfig struct {
	Normal    int
	Anomalous int
	Days      int // normal traffic spreads over the last Days days
	Seed      uint64
	Now       time.Time
}

// DefaultSimulateConfig returns 800 normal and 40 anomalous events over a week.
func DefaultSimulateConfig() SimulateConfig {
	return SimulateConfig{Normal: 800, Anomalous: 40, Days: 7, Seed: 42}
}

// Sensitive file targeted by the injected anomalies.
const (
	SensitiveFileID   = "id_confidencial_123"
	SensitiveFileName = "financieros_2025.xlsx"
)

var simNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("accesswatch/simulated-event"))

// Simulate generates office-hours traffic from ten users, five internal
// addresses and twenty files, plus night-time downloads of one sensitive
// file from an external address range. Output is fully determined by cfg.
func Simulate(cfg SimulateConfig) []engine.AccessEvent {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	if cfg.Days < 1 {
		cfg.Days = 7
	}
	now := cfg.Now.UTC()
	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("user%d@corp.example", i)
	}
	ips := make([]string, 5)
	for i := range ips {
		ips[i] = fmt.Sprintf("192.168.1.%d", 10+r.IntN(41))
	}
	type file struct{ id, name string }
	files := make([]file, 20)
	for i := range files {
		files[i] = file{fmt.Sprintf("file_id_%d", i), fmt.Sprintf("design_%d.svg", i)}
	}
	types := []string{"view", "edit"}

	id := func(kind string, i int) string {
		return uuid.NewSHA1(simNamespace, []byte(fmt.Sprintf("%d/%s/%d", cfg.Seed, kind, i))).String()
	}

	events := make([]engine.AccessEvent, 0, cfg.Normal+cfg.Anomalous)
	for i := 0; i < cfg.Normal; i++ {
		day := now.AddDate(0, 0, -r.IntN(cfg.Days)).Truncate(24 * time.Hour)
		ts := day.Add(time.Duration(8+r.IntN(10))*time.Hour + time.Duration(r.IntN(60))*time.Minute)
		if ts.After(now) {
			ts = ts.AddDate(0, 0, -1)
		}
		f := files[r.IntN(len(files))]
		events = append(events, engine.AccessEvent{
			EventID:   id("normal", i),
			UserEmail: users[r.IntN(len(users))],
			SourceIP:  ips[r.IntN(len(ips))],
			Timestamp: ts,
			FileID:    f.id,
			FileName:  f.name,
			EventType: types[r.IntN(len(types))],
		})
	}

	hours := []int{1, 2, 22, 23}
	for i := 0; i < cfg.Anomalous; i++ {
		day := now.AddDate(0, 0, -r.IntN(cfg.Days)).Truncate(24 * time.Hour)
		ts := day.Add(time.Duration(hours[r.IntN(len(hours))])*time.Hour + time.Duration(r.IntN(60))*time.Minute)
		if ts.After(now) {
			ts = ts.AddDate(0, 0, -1)
		}
		events = append(events, engine.AccessEvent{
			EventID:   id("anomalous", i),
			UserEmail: users[r.IntN(len(users))],
			SourceIP:  fmt.Sprintf("118.99.8.%d", 1+r.IntN(254)),
			Timestamp: ts,
			FileID:    SensitiveFileID,
			FileName:  SensitiveFileName,
			EventType: "download",
		})
	}
	return events
}
