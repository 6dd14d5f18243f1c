package mqtt

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// DefaultTimeout bounds connect and publish waits.
const DefaultTimeout = 2 * time.Second

var (
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt timeout")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("mqtt publisher closed")
)

// ClientOptionsFromURL creates ClientOptions from URL.
// The URL path is the topic prefix; the client-id query parameter sets the
// client id.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("broker url %q has no host", serverURL)
	}
	var server string
	if u.Scheme == "" || u.Scheme == "mqtt" {
		server = "tcp"
	} else {
		server = u.Scheme
	}
	server += "://" + u.Host

	topicPrefix := strings.TrimPrefix(u.Path, "/")
	if topicPrefix != "" && !strings.HasSuffix(topicPrefix, "/") {
		topicPrefix += "/"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(server).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectTimeout(DefaultTimeout)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}

	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}

	return opts, topicPrefix, nil
}

// DeviceID returns an id for this machine that is stable across runs and
// does not expose the raw machine id.
func DeviceID() string {
	id, err := machineid.ProtectedID("sdboot")
	if err != nil {
		glog.Warningf("machine id unavailable: %v", err)
		return "unknown"
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

// StatusTopic returns the topic boot lines of device are published to.
func StatusTopic(prefix, device string) string {
	return prefix + device + "/boot"
}

// Publisher is an io.WriteCloser that publishes every complete line written
// to it as one message.
type Publisher struct {
	Client  paho.Client
	Topic   string
	QoS     byte
	Timeout time.Duration

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewPublisher creates a Publisher on a client that is not yet connected.
func NewPublisher(client paho.Client, topic string) *Publisher {
	return &Publisher{
		Client:  client,
		Topic:   topic,
		Timeout: DefaultTimeout,
	}
}

// NewPublisherFromURL creates a Publisher for the broker URL, publishing to
// the status topic of this device.
func NewPublisherFromURL(brokerURL string) (*Publisher, error) {
	opts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	device := DeviceID()
	if opts.ClientID == "" {
		opts.SetClientID("sdboot-" + device)
	}
	return NewPublisher(paho.NewClient(opts), StatusTopic(prefix, device)), nil
}

// Connect connects the client.
func (p *Publisher) Connect() error {
	if err := p.wait(p.Client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	glog.V(2).Infof("PUB %q", p.Topic)
	return nil
}

func (p *Publisher) wait(token paho.Token) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Write publishes each complete line of b, without its line terminator.
// A trailing partial line is kept until the next Write or Close.
func (p *Publisher) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(p.pending[:i], "\r")
		p.pending = p.pending[i+1:]
		if err := p.publish(line); err != nil {
			return len(b), err
		}
	}
	return len(b), nil
}

func (p *Publisher) publish(line []byte) error {
	payload := append([]byte(nil), line...)
	if err := p.wait(p.Client.Publish(p.Topic, p.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", p.Topic, err)
	}
	return nil
}

// Close publishes a pending partial line and disconnects. Closing twice
// does nothing.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if len(p.pending) > 0 {
		err = p.publish(p.pending)
		p.pending = nil
	}
	p.Client.Disconnect(250)
	return err
}
