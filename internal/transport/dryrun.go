package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/foxzi/dripline/internal/model"
)

// Captured is a message recorded by the dry-run sender
type Captured struct {
	Recipient    Recipient
	Message      model.Message
	MessageID    string
	CapturedAt   time.Time
	SimulatedErr string
}

// DryRunSender logs and records messages instead of sending them. It can
// simulate provider errors for load and failure testing.
type DryRunSender struct {
	logger           *slog.Logger
	errorProbability float64 // 0.0 to 1.0
	limit            int

	mu       sync.Mutex
	seq      int
	captured []Captured
}

// NewDryRunSender creates a dry-run sender keeping the last limit messages
func NewDryRunSender(errorProbability float64, limit int, logger *slog.Logger) *DryRunSender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if limit <= 0 {
		limit = 1000
	}
	if errorProbability < 0 || errorProbability > 1 {
		errorProbability = 0
	}
	return &DryRunSender{
		logger:           logger.With("component", "dry_run"),
		errorProbability: errorProbability,
		limit:            limit,
	}
}

var simulatedErrors = []struct {
	reason string
	code   int
}{
	{"Too Many Requests: retry after 5", 429},
	{"Bad Gateway", 502},
	{"Forbidden: bot was blocked by the user", 403},
	{"Bad Request: chat not found", 400},
}

// Send records the message, or a simulated failure
func (s *DryRunSender) Send(ctx context.Context, to Recipient, msg model.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", temporary("context done", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := Captured{Recipient: to, Message: msg, CapturedAt: time.Now().UTC()}

	if s.errorProbability > 0 && rand.Float64() < s.errorProbability {
		sim := simulatedErrors[rand.Intn(len(simulatedErrors))]
		c.SimulatedErr = sim.reason
		s.capture(c)

		s.logger.Info("dry run: simulated failure",
			"tenant_id", to.TenantID,
			"recipient_id", to.ID,
			"reason", sim.reason,
		)

		cause := fmt.Errorf("simulated %d", sim.code)
		switch {
		case sim.code == 403:
			return "", blocked(sim.reason, cause)
		case sim.code == 429, sim.code >= 500:
			return "", temporary(sim.reason, cause)
		default:
			return "", permanent(sim.reason, cause)
		}
	}

	s.seq++
	c.MessageID = fmt.Sprintf("dry-%d", s.seq)
	s.capture(c)

	s.logger.Info("dry run: message captured",
		"tenant_id", to.TenantID,
		"recipient_id", to.ID,
		"message_id", c.MessageID,
		"has_media", msg.Media != "",
		"buttons", len(msg.Buttons),
	)
	return c.MessageID, nil
}

func (s *DryRunSender) capture(c Captured) {
	s.captured = append(s.captured, c)
	if len(s.captured) > s.limit {
		s.captured = s.captured[len(s.captured)-s.limit:]
	}
}

// Messages returns a copy of the captured messages, oldest first
func (s *DryRunSender) Messages() []Captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Captured, len(s.captured))
	copy(out, s.captured)
	return out
}

// Clear drops captured messages
func (s *DryRunSender) Clear() {
	s.mu.Lock()
	s.captured = nil
	s.mu.Unlock()
}
