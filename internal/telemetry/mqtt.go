package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

// PublisherConfig selects the broker and topic wake reports go to.
type PublisherConfig struct {
	// Addr is the broker host:port.
	Addr     string
	ClientID string
	Topic    string
	// Timeout bounds connecting and each publish when the context has no deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Publisher sends wake reports to an MQTT broker at QoS 0.
type Publisher struct {
	conn    net.Conn
	client  *mqtt.Client
	flags   mqtt.PacketFlags
	vars    mqtt.VariablesPublish
	timeout time.Duration
	logger  *slog.Logger
	buf     []byte
}

// Dial connects to the broker and completes the MQTT handshake.
func Dial(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, errors.New("telemetry: empty topic")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dpm"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	p, err := connect(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.debug("mqtt:connected", slog.String("addr", cfg.Addr))
	return p, nil
}

// connect completes the MQTT handshake over conn.
func connect(ctx context.Context, conn net.Conn, cfg PublisherConfig) (*Publisher, error) {
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		conn:    conn,
		flags:   flags,
		vars:    mqtt.VariablesPublish{TopicName: []byte(cfg.Topic)},
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 512)},
		OnPub: func(_ mqtt.Header, vp mqtt.VariablesPublish, r io.Reader) error {
			p.debug("mqtt:unexpected-publish", slog.String("topic", string(vp.TopicName)))
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(cfg.ClientID))
	if err = p.client.Connect(ctx, conn, &varconn); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish encodes r and sends it.
func (p *Publisher) Publish(ctx context.Context, r WakeReport) error {
	if !p.client.IsConnected() {
		return p.client.Err()
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.timeout)
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	var err error
	p.buf, err = r.AppendBinary(p.buf[:0])
	if err != nil {
		return err
	}
	// QoS 0 publishes carry no packet identifier.
	return p.client.PublishPayload(p.flags, p.vars, p.buf)
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	var err error
	if p.client.IsConnected() {
		err = p.client.Disconnect(errors.New("publisher closed"))
	}
	return errors.Join(err, p.conn.Close())
}

func (p *Publisher) debug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
