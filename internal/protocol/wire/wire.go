package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KindControl = "control"
	KindChannel = "channel"

	// Signals travel worker->parent on the control connection.
	SignalIPCReady     = "host.ipc.ready"
	SignalInitDone     = "host.init.done"
	SignalCloseRequest = "host.close.request"

	// Notices travel parent->worker on the control connection.
	NoticeChannelOpen = "channel.open"
	NoticeExitRequest = "host.exit.request"
	NoticeVisibility  = "host.visibility"
)

const maxLineBytes = 128 * 1024

var (
	ErrInvalidPreamble = errors.New("wire: invalid preamble")
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
	ErrLineTooLarge    = errors.New("wire: control message too large")
)

// Preamble is the first line of every worker-side connection to the parent
// listener; it classifies the connection as control plane or channel.
type Preamble struct {
	Kind   string `json:"kind"`
	HostID string `json:"host_id"`
	Nonce  string `json:"nonce,omitempty"`
}

func (p Preamble) Validate() error {
	switch p.Kind {
	case KindControl:
	case KindChannel:
		if strings.TrimSpace(p.Nonce) == "" {
			return fmt.Errorf("%w: channel preamble missing nonce", ErrInvalidPreamble)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPreamble, p.Kind)
	}
	if strings.TrimSpace(p.HostID) == "" {
		return fmt.Errorf("%w: missing host_id", ErrInvalidPreamble)
	}
	return nil
}

// Envelope is one control-plane message in either direction.
type Envelope struct {
	Name        string `json:"name"`
	HostID      string `json:"host_id"`
	Nonce       string `json:"nonce,omitempty"`
	Service     string `json:"service,omitempty"`
	Visible     *bool  `json:"visible,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.HostID) == "" {
		return fmt.Errorf("%w: missing host_id", ErrInvalidEnvelope)
	}
	switch e.Name {
	case NoticeChannelOpen:
		if strings.TrimSpace(e.Nonce) == "" {
			return fmt.Errorf("%w: channel.open missing nonce", ErrInvalidEnvelope)
		}
		if strings.TrimSpace(e.Service) == "" {
			return fmt.Errorf("%w: channel.open missing service", ErrInvalidEnvelope)
		}
	case NoticeVisibility:
		if e.Visible == nil {
			return fmt.Errorf("%w: visibility missing visible", ErrInvalidEnvelope)
		}
	}
	return nil
}

func WritePreamble(w io.Writer, p Preamble) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return writeLine(w, p)
}

func ReadPreamble(r *bufio.Reader) (Preamble, error) {
	var p Preamble
	if err := readLine(r, &p); err != nil {
		return Preamble{}, err
	}
	if err := p.Validate(); err != nil {
		return Preamble{}, err
	}
	return p, nil
}

func WriteEnvelope(w io.Writer, e Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return writeLine(w, e)
}

func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	var e Envelope
	if err := readLine(r, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readLine(r *bufio.Reader, out any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if len(line) > maxLineBytes {
		return ErrLineTooLarge
	}
	return json.Unmarshal(line, out)
}
