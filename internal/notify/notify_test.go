package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
)

type recordSink struct {
	mu    sync.Mutex
	name  string
	got   []string
	err   error
	delay time.Duration
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Send(ctx context.Context, title, body string) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, title+": "+body)
	return s.err
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestNotifyFansOut(t *testing.T) {
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	d := NewDispatcher(a, b)

	d.Notify(context.Background(), "Agent x needs attention", "cap reached")

	deadline := time.Now().Add(2 * time.Second)
	for (a.count() == 0 || b.count() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("deliveries: a=%d b=%d", a.count(), b.count())
	}
}

func TestNotifyFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &recordSink{name: "bad", err: errors.New("boom")}
	good := &recordSink{name: "good"}
	d := NewDispatcher(bad, good)

	d.Notify(context.Background(), "t", "b")

	deadline := time.Now().Add(2 * time.Second)
	for good.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if good.count() != 1 {
		t.Error("good sink not delivered")
	}
}

func TestSinkNames(t *testing.T) {
	d := NewDispatcher(LogSink{})
	d.Add(&recordSink{name: "extra"})
	names := d.Sinks()
	if len(names) != 2 || names[0] != "log" || names[1] != "extra" {
		t.Errorf("names = %v", names)
	}
}

func TestSinkConstructorsRequireCredentials(t *testing.T) {
	if _, err := NewTelegramSink(config.TelegramNotifyConfig{ChatID: 1}); !faults.IsKind(err, faults.Validation) {
		t.Errorf("telegram no token: kind = %v", faults.KindOf(err))
	}
	if _, err := NewDiscordSink(config.DiscordNotifyConfig{Token: "x"}); !faults.IsKind(err, faults.Validation) {
		t.Errorf("discord no channel: kind = %v", faults.KindOf(err))
	}
}

func TestFromConfigAlwaysHasLogSink(t *testing.T) {
	d := FromConfig(config.NotifyConfig{})
	names := d.Sinks()
	if len(names) != 1 || names[0] != "log" {
		t.Errorf("names = %v", names)
	}
}
