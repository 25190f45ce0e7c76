package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsMaxRetries = 3

// Publisher forwards hub events to NATS subjects: axis.analysis.completed
// and axis.alert.raised.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ConnectNATS dials the broker. Reconnects are unbounded; the pipeline
// outlives broker restarts.
func ConnectNATS(url string, log zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("cloud-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{
		conn: conn,
		log:  log.With().Str("component", "nats").Logger(),
	}, nil
}

// Forward implements Forwarder with a short linear-backoff retry.
func (p *Publisher) Forward(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := SubjectFor(evt.Type)
	for i := 0; i <= natsMaxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", natsMaxRetries, err)
}

func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// SubjectFor maps an event type onto its NATS subject.
func SubjectFor(evtType string) string {
	return "axis." + evtType
}
