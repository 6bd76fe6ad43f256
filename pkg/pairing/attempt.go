package pairing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Step is the current position of an attempt in the handshake
type Step string

const (
	StepIdle         Step = "idle"
	StepScanning     Step = "scanning"
	StepAwaitingCode Step = "awaiting_code"
	StepConnecting   Step = "connecting"
	StepVerifying    Step = "verifying"
	StepPaired       Step = "paired"
	StepFailed       Step = "failed"
	StepCancelled    Step = "cancelled"
)

func (s Step) Terminal() bool {
	return s == StepPaired || s == StepFailed || s == StepCancelled
}

// ErrCancelled is returned by Wait for an attempt cancelled by the user
var ErrCancelled = errors.New("pairing cancelled")

// Request starts a pairing attempt. Address is host:port of the pairing
// endpoint, or a bare host to look the endpoint up over mDNS. Code may be
// left empty and submitted later.
type Request struct {
	Address        string `json:"address"`
	Code           string `json:"code,omitempty"`
	ConnectAddress string `json:"connectAddress,omitempty"`
}

// Info is a snapshot of an attempt
type Info struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	PairAddress    string    `json:"pairAddress,omitempty"`
	ConnectAddress string    `json:"connectAddress,omitempty"`
	Step           Step      `json:"step"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Event is one step transition of an attempt
type Event struct {
	AttemptID string    `json:"attemptId"`
	Address   string    `json:"address"`
	Step      Step      `json:"step"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Attempt is one in-flight pairing handshake
type Attempt struct {
	req    Request
	codeCh chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	info Info
	err  error
}

func (a *Attempt) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Done is closed once the attempt reaches a terminal step
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt finishes. It returns nil only for Paired;
// ErrCancelled for a cancelled attempt; otherwise the failure cause.
func (a *Attempt) Wait(ctx context.Context) (Info, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.info, a.err
	case <-ctx.Done():
		return a.Info(), ctx.Err()
	}
}
