package events

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

func TestMultiFansOutInOrder(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(ev Event) { got = append(got, "a:"+string(ev.Kind)) }),
		nil,
		Func(func(ev Event) { got = append(got, "b:"+string(ev.Kind)) }),
	}
	m.Observe(Event{Kind: Connect})
	if strings.Join(got, ",") != "a:connect,b:connect" {
		t.Fatalf("unexpected fan-out order %v", got)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint([]byte("<93#D#6#>"))
	b := Fingerprint([]byte("<93#D#6#>"))
	c := Fingerprint([]byte("<30#D#6#>"))
	if a != b {
		t.Fatalf("expected equal fingerprints for equal frames")
	}
	if a == c {
		t.Fatalf("expected different fingerprints for different frames")
	}
}

func TestLogObserverOmitsFrameContent(t *testing.T) {
	var buf bytes.Buffer
	o := NewLogObserver(zerolog.New(&buf).Level(zerolog.DebugLevel))
	raw := []byte("<30#1234SECRETPIN#>")
	o.Observe(Event{Kind: FrameReceived, SessionID: 7, FrameLen: len(raw), Fingerprint: Fingerprint(raw)})
	o.Observe(Event{Kind: CommandMatched, SessionID: 7, Command: "30", Name: "EncryptPinANSIFormat0", Status: "00"})
	out := buf.String()
	if strings.Contains(out, "SECRETPIN") {
		t.Fatalf("log leaked frame content: %s", out)
	}
	if !strings.Contains(out, `"command":"30"`) || !strings.Contains(out, `"session":7`) {
		t.Fatalf("expected structured fields in log, got %s", out)
	}
}

func TestLogObserverRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	o := NewLogObserver(zerolog.New(&buf).Level(zerolog.InfoLevel))
	o.Observe(Event{Kind: FrameReceived, SessionID: 1})
	if buf.Len() != 0 {
		t.Fatalf("expected debug event to be suppressed, got %s", buf.String())
	}
	o.Observe(Event{Kind: Disconnect, SessionID: 1, Reason: "eof", Exchanges: 2})
	if !strings.Contains(buf.String(), `"reason":"eof"`) {
		t.Fatalf("expected disconnect line, got %s", buf.String())
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mqtt.Client
	mu    sync.Mutex
	calls []publishCall
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.calls = append(c.calls, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	c.mu.Unlock()
	return newFakeToken(nil)
}

func TestMQTTPublisherTopicsAndPayload(t *testing.T) {
	client := &fakeClient{}
	p := NewMQTTPublisher(client, MQTTOptions{TopicPrefix: "lab/hsm/", QoS: 1}, zerolog.Nop())
	p.Observe(Event{Kind: CommandMatched, SessionID: 3, Command: "93", Status: "00"})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.calls) != 1 {
		t.Fatalf("expected one publish, got %d", len(client.calls))
	}
	call := client.calls[0]
	if call.topic != "lab/hsm/matched" || call.qos != 1 {
		t.Fatalf("unexpected publish topic=%q qos=%d", call.topic, call.qos)
	}
	var ev Event
	if err := json.Unmarshal(call.payload, &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.Command != "93" || ev.SessionID != 3 {
		t.Fatalf("unexpected decoded event %+v", ev)
	}
}

func TestMQTTPublisherDefaultPrefix(t *testing.T) {
	p := NewMQTTPublisher(&fakeClient{}, MQTTOptions{}, zerolog.Nop())
	if got := p.Topic(Disconnect); got != "atallasim/events/disconnect" {
		t.Fatalf("unexpected default topic %q", got)
	}
}
