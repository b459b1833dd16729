package multiplexer

import (
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Mode selects how raw frames from the upstream are decoded before fan-out.
type Mode int

const (
	// ModeJSON treats every frame as a single JSON document (watch streams).
	ModeJSON Mode = iota
	// ModeChannel treats the first byte of every frame as a channel
	// discriminator and the rest as the payload (exec/attach/logs streams).
	ModeChannel
)

// Channel discriminators used by the Kubernetes remotecommand framing.
const (
	ChannelStdin byte = iota
	ChannelStdout
	ChannelStderr
	ChannelServerError
	ChannelResize
)

// Status classifies a delivered message.
type Status int

const (
	// StatusData carries a decoded frame from the upstream.
	StatusData Status = iota
	// StatusComplete signals the upstream closed cleanly; no more messages follow.
	StatusComplete
	// StatusError signals the stream ended because of a dial or transport
	// error; no more messages follow.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusData:
		return "data"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is what subscribers receive on every fan-out.
type Message struct {
	Cluster string
	Path    string
	Status  Status
	Channel byte   // only meaningful in ModeChannel
	Data    []byte // frame payload; error text for StatusError
}

// WatchEvent decodes a ModeJSON data message as a Kubernetes watch event.
func (m Message) WatchEvent() (*metav1.WatchEvent, error) {
	if m.Status != StatusData {
		return nil, fmt.Errorf("message is %s, not data", m.Status)
	}
	var ev metav1.WatchEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return nil, fmt.Errorf("decoding watch event: %w", err)
	}
	return &ev, nil
}

func decode(mode Mode, cluster, path string, data []byte) Message {
	msg := Message{
		Cluster: cluster,
		Path:    path,
		Status:  StatusData,
		Data:    data,
	}
	if mode == ModeChannel && len(data) > 0 {
		msg.Channel = data[0]
		msg.Data = data[1:]
	}
	return msg
}
