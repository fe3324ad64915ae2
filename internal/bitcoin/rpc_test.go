package bitcoin

import (
	"context"
	"errors"
	"testing"
	"time"

	poolErrors "github.com/bardlex/poolcore/pkg/errors"
)

func TestNewRPCClient(t *testing.T) {
	client, err := NewRPCClient(RPCConfig{Host: "localhost", Port: 8332, User: "user", Password: "pass"})
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	if client.circuitBreaker == nil || client.retryConfig == nil {
		t.Error("NewRPCClient() left resilience helpers unset")
	}
	client.Close()
}

func TestReceive(t *testing.T) {
	v, err := receive(context.Background(), func() (int, error) { return 7, nil })
	if v != 7 || err != nil {
		t.Errorf("receive() = %v, %v, want 7, nil", v, err)
	}

	want := errors.New("boom")
	if _, err := receive(context.Background(), func() (int, error) { return 0, want }); !errors.Is(err, want) {
		t.Errorf("receive() error = %v, want %v", err, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err = receive(ctx, func() (int, error) { <-block; return 0, nil })
	if !poolErrors.IsType(err, poolErrors.ErrorTypeTimeout) {
		t.Errorf("receive() error = %v, want timeout", err)
	}
	if poolErrors.IsRetryable(err) {
		t.Error("an abandoned call must not be retried")
	}
	if time.Since(start) > time.Second {
		t.Error("receive() did not honour the context deadline")
	}
}
