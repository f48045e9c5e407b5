package mesh

import (
	"sync"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/nats-io/nats.go"
)

type publishedMessage struct {
	Subject string
	Data    []byte
}

// fakeBus is an in-process MessageBus.
type fakeBus struct {
	mutex     sync.Mutex
	published []publishedMessage
	handlers  map[string][]nats.MsgHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]nats.MsgHandler)}
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mutex.Lock()
	b.published = append(b.published, publishedMessage{Subject: subject, Data: data})
	handlers := append([]nats.MsgHandler(nil), b.handlers[subject]...)
	b.mutex.Unlock()

	for _, handler := range handlers {
		handler(&nats.Msg{Subject: subject, Data: data})
	}

	return nil
}

func (b *fakeBus) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil, nil
}

func (b *fakeBus) Published(subject string) [][]byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var out [][]byte
	for _, msg := range b.published {
		if msg.Subject == subject {
			out = append(out, msg.Data)
		}
	}
	return out
}

//------------------------------------------------------------------------------

type sentData struct {
	To           types.NodeNum
	Port         pb.PortNum
	Payload      []byte
	WantResponse bool
}

// fakeSender records what applications send into the mesh.
type fakeSender struct {
	mutex     sync.Mutex
	data      []sentData
	owners    []types.NodeNum
	positions []*pb.Position
}

func (s *fakeSender) SendData(to types.NodeNum, port pb.PortNum, payload []byte, wantResponse bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.data = append(s.data, sentData{To: to, Port: port, Payload: payload, WantResponse: wantResponse})
	return nil
}

func (s *fakeSender) SendOurOwner(to types.NodeNum) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.owners = append(s.owners, to)
	return nil
}

func (s *fakeSender) SendPosition(to types.NodeNum, position *pb.Position) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.positions = append(s.positions, position)
	return nil
}

func (s *fakeSender) Data() []sentData {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]sentData(nil), s.data...)
}

func (s *fakeSender) Owners() []types.NodeNum {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]types.NodeNum(nil), s.owners...)
}

func (s *fakeSender) Positions() []*pb.Position {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]*pb.Position(nil), s.positions...)
}

//------------------------------------------------------------------------------

// fakeToken is an already completed MQTT token.
type fakeToken struct {
	err  error
	done bool
}

func (t *fakeToken) Wait() bool { return t.done }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type mqttMessage struct {
	Topic   string
	Qos     byte
	Payload []byte
}

type fakePublisher struct {
	messages []mqttMessage
	token    *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.messages = append(p.messages, mqttMessage{Topic: topic, Qos: qos, Payload: payload.([]byte)})

	if p.token != nil {
		return p.token
	}
	return &fakeToken{done: true}
}

//------------------------------------------------------------------------------

type recordingUplink struct {
	forwarded []radio.PacketRecord
}

func (u *recordingUplink) Forward(rec *radio.PacketRecord) error {
	u.forwarded = append(u.forwarded, *rec)
	return nil
}
