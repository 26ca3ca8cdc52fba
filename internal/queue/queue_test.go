package queue

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ConsumerConfig{Driver: "rabbitmq"},
		},
		{
			name: "kafka missing brokers",
			cfg: ConsumerConfig{
				Driver: DriverKafka,
				Group:  "relayer-prover",
				Topics: []string{"relay.proof.results.v1"},
			},
		},
		{
			name: "kafka missing group",
			cfg: ConsumerConfig{
				Driver:  DriverKafka,
				Brokers: []string{"127.0.0.1:9092"},
				Topics:  []string{"relay.proof.results.v1"},
			},
		},
		{
			name: "kafka missing topics",
			cfg: ConsumerConfig{
				Driver:  DriverKafka,
				Brokers: []string{"127.0.0.1:9092"},
				Group:   "relayer-prover",
			},
		},
		{
			name: "kafka max bytes below min bytes",
			cfg: ConsumerConfig{
				Driver:        DriverKafka,
				Brokers:       []string{"127.0.0.1:9092"},
				Group:         "relayer-prover",
				Topics:        []string{"relay.proof.results.v1"},
				KafkaMinBytes: 1024,
				KafkaMaxBytes: 16,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ProducerConfig{Driver: "rabbitmq"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ProducerConfig{Driver: DriverKafka},
		},
		{
			// The empty driver normalizes to kafka, which needs brokers.
			name: "default driver is kafka",
			cfg:  ProducerConfig{},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestStdioConsumerDeliversProofResults(t *testing.T) {
	t.Parallel()

	lines := `{"version":"relay.proof.result.v1","job_id":"0x01","proof":"0xaa"}` + "\n" +
		`{"version":"relay.proof.failure.v1","job_id":"0x02","error_code":"timeout"}` + "\n"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader(lines),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed early")
			}
			got = append(got, string(m.Value))
			// The stdio driver has no offsets; Ack must be a no-op.
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for results")
		}
	}

	if !strings.Contains(got[0], "relay.proof.result.v1") || !strings.Contains(got[1], "relay.proof.failure.v1") {
		t.Fatalf("unexpected delivery order: %#v", got)
	}
}

func TestStdioConsumerReportsOverlongLines(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader(strings.Repeat("a", 64) + "\n"),
		MaxLineBytes: 16,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	deadline := time.After(2 * time.Second)
	msgs := c.Messages()
	for {
		select {
		case err, ok := <-c.Errors():
			if !ok {
				t.Fatalf("consumer closed without reporting the overlong line")
			}
			if err == nil {
				continue
			}
			return
		case m, ok := <-msgs:
			if ok {
				t.Fatalf("overlong line delivered as message: %q", m.Value)
			}
			msgs = nil
		case <-deadline:
			t.Fatalf("timeout waiting for scan error")
		}
	}
}

func TestStdioProducerWritesOneLinePerRecord(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{
		Driver: DriverStdio,
		Writer: &out,
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	alert := []byte(`{"version":"relay.alert.v1","job_id":"0x0a","reason":"submission attempts exhausted"}`)
	request := []byte(`{"version":"relay.proof.request.v1","job_id":"0x0b"}`)
	if err := p.Publish(context.Background(), "relay.alerts.v1", alert); err != nil {
		t.Fatalf("Publish alert: %v", err)
	}
	if err := p.Publish(context.Background(), "relay.proof.requests.v1", request); err != nil {
		t.Fatalf("Publish request: %v", err)
	}

	want := string(alert) + "\n" + string(request) + "\n"
	if got := out.String(); got != want {
		t.Fatalf("output mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestMessageAckWithoutDriverOffset(t *testing.T) {
	t.Parallel()

	m := Message{Topic: "relay.alerts.v1", Value: []byte(`{"version":"relay.alert.v1"}`)}
	if err := m.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "unset", value: "", want: false},
		{name: "false", value: "false", want: false},
		{name: "zero", value: "0", want: false},
		{name: "garbage", value: "maybe", want: false},
		{name: "true", value: "true", want: true},
		{name: "one", value: "1", want: true},
		{name: "yes", value: "yes", want: true},
		{name: "on", value: "on", want: true},
		{name: "case and space", value: "  On ", want: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envKafkaTLS, tc.value)
			if got := kafkaTLSEnabled(); got != tc.want {
				t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
			}
		})
	}
}

func TestConsumerStopsOnFetchError(t *testing.T) {
	t.Parallel()

	if !consumerStopsOnFetchError(context.Canceled) {
		t.Fatalf("cancellation must stop the fetch loop")
	}
	for _, err := range []error{io.EOF, io.ErrClosedPipe} {
		if consumerStopsOnFetchError(err) {
			t.Fatalf("transient fetch error %v must not stop the loop", err)
		}
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "  ", want: nil},
		{in: "k1:9092", want: []string{"k1:9092"}},
		{in: "k1:9092, k2:9092 ,,k3:9092", want: []string{"k1:9092", "k2:9092", "k3:9092"}},
	}
	for _, tc := range cases {
		got := SplitCommaList(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitCommaList(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitCommaList(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		}
	}
}
