package shade

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/umbradev/umbra/internal/recents"
)

const (
	ServiceRecents = "recents"
	ServiceSecrets = "secrets"
)

var ErrUnknownService = errors.New("shade: unknown channel service")

// Request is one line-JSON command on a brokered channel.
type Request struct {
	Op    string `json:"op"`
	URI   string `json:"uri,omitempty"`
	Label string `json:"label,omitempty"`
	Scope string `json:"scope,omitempty"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Entries []recents.Entry `json:"entries,omitempty"`
	Value   string          `json:"value,omitempty"`
	Found   *bool           `json:"found,omitempty"`
}

func failure(err error) Response {
	return Response{Error: err.Error()}
}

// serveChannel runs the request loop for one brokered channel until the
// peer hangs up. Requests on a channel are strictly sequential.
func (s *Service) serveChannel(conn net.Conn, service string) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Str("service", service).Msg("channel decode ended")
			}
			return
		}

		var resp Response
		switch service {
		case ServiceRecents:
			resp = s.handleRecents(req)
		case ServiceSecrets:
			resp = s.handleSecrets(req)
		default:
			resp = failure(fmt.Errorf("%w: %s", ErrUnknownService, service))
		}

		if err := enc.Encode(resp); err != nil {
			s.logger.Debug().Err(err).Str("service", service).Msg("channel encode failed")
			return
		}
	}
}

func (s *Service) handleRecents(req Request) Response {
	switch req.Op {
	case "add":
		if err := s.recents.Add(req.URI, req.Label); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case "list":
		return Response{OK: true, Entries: s.recents.List()}
	case "remove":
		found, err := s.recents.Remove(req.URI)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Found: &found}
	case "clear":
		if err := s.recents.Clear(); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	default:
		return failure(fmt.Errorf("shade: unknown recents op %q", req.Op))
	}
}

func (s *Service) handleSecrets(req Request) Response {
	switch req.Op {
	case "get":
		v, err := s.secrets.Get(req.Scope, req.Key)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Value: v}
	case "set":
		if err := s.secrets.Set(req.Scope, req.Key, req.Value); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case "delete":
		if err := s.secrets.Delete(req.Scope, req.Key); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	default:
		return failure(fmt.Errorf("shade: unknown secrets op %q", req.Op))
	}
}
