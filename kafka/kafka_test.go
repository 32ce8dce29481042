package kafka

import (
	"context"
	"fmt"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/runkit/component"
	apperrors "github.com/kbukum/runkit/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"defaults", Config{Enabled: true}, false},
		{"sasl without user", Config{Enabled: true, EnableSASL: true}, true},
		{"bad sasl mechanism", Config{Enabled: true, EnableSASL: true, SASLMechanism: "GSSAPI", Username: "u"}, true},
		{"bad compression", Config{Enabled: true, Compression: "brotli"}, true},
		{"bad acks", Config{Enabled: true, RequiredAcks: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyDefaults()
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.EnableSASL = true
	cfg.ApplyDefaults()
	if cfg.Brokers[0] != "localhost:9092" || cfg.Compression != "snappy" || cfg.RequiredAcks != -1 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SASLMechanism != "PLAIN" {
		t.Errorf("expected PLAIN SASL default, got %s", cfg.SASLMechanism)
	}
}

func TestResolveCompression(t *testing.T) {
	tests := map[string]kafkago.Compression{
		"gzip":    kafkago.Gzip,
		"lz4":     kafkago.Lz4,
		"zstd":    kafkago.Zstd,
		"snappy":  kafkago.Snappy,
		"none":    0,
		"unknown": kafkago.Snappy,
	}
	for name, want := range tests {
		if got := ResolveCompression(name); got != want {
			t.Errorf("ResolveCompression(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCreateTransport_SASL(t *testing.T) {
	cfg := Config{Enabled: true, EnableSASL: true, SASLMechanism: "SCRAM-SHA-256", Username: "u", Password: "p"}
	cfg.ApplyDefaults()
	tr, err := CreateTransport(&cfg)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if tr.SASL == nil || tr.TLS != nil {
		t.Errorf("expected SASL without TLS, got %+v", tr)
	}

	cfg.EnableTLS = true
	cfg.TLSCAFile = "/nonexistent/ca.pem"
	if _, err := CreateTransport(&cfg); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestFromKafka(t *testing.T) {
	tests := []struct {
		err  error
		code apperrors.ErrorCode
	}{
		{fmt.Errorf("dial tcp 127.0.0.1:9092: connection refused"), apperrors.ErrCodeServiceUnavailable},
		{fmt.Errorf("[3] Unknown Topic Or Partition"), apperrors.ErrCodeInvalidInput},
		{fmt.Errorf("[7] Request Timed Out"), apperrors.ErrCodeExternalService},
		{fmt.Errorf("something odd"), apperrors.ErrCodeInternal},
		{apperrors.CircuitOpen("kafka"), apperrors.ErrCodeCircuitOpen},
	}
	for _, tt := range tests {
		if got := FromKafka(tt.err, "runs"); got.Code != tt.code {
			t.Errorf("FromKafka(%v) = %s, want %s", tt.err, got.Code, tt.code)
		}
	}
	if FromKafka(nil, "runs") != nil {
		t.Error("expected nil for nil error")
	}
}

func TestCollectWriterMetrics(t *testing.T) {
	stats := kafkago.WriterStats{Writes: 3, Messages: 7, Errors: 1}
	stats.WriteTime.Avg = 2_000_000
	m := CollectWriterMetrics(stats)
	if m.Writes != 3 || m.Messages != 7 || m.Errors != 1 || m.AvgWriteTime != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error { c.closed++; return nil }

func TestComponent_Lifecycle(t *testing.T) {
	comp := NewComponent(Config{Enabled: true}, nil)
	prod := &closeRecorder{}
	comp.SetProducer(prod)
	ctx := context.Background()

	if h := comp.Health(ctx); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before start, got %s", h.Status)
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := comp.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	_ = comp.Stop(ctx)
	if prod.closed != 1 {
		t.Errorf("expected producer closed once, got %d", prod.closed)
	}
}
