package warden

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/umbradev/umbra/internal/shade"
)

const adminCallTimeout = 10 * time.Second

// adminRequest is one admin action envelope consumed by umbractl.
type adminRequest struct {
	Action string `json:"action"`
	// Service names the channel service for channel.open.
	Service string `json:"service,omitempty"`
	URI     string `json:"uri,omitempty"`
	Label   string `json:"label,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
}

// adminResponse is one admin action result envelope.
type adminResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// serveAdminControl exposes a TCP JSON request/response endpoint for
// umbractl and other client contexts.
func (s *Service) serveAdminControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	defer ln.Close()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin control listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleAdminConn(ctx, conn)
	}
}

// handleAdminConn decodes one request per line and writes one response per
// line. A channel.open action switches the connection to raw proxy mode
// after its response.
func (s *Service) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.adminClientCount.Add(1)
	s.logger.Info().Str("remote", remote).Int64("active_clients", active).Msg("admin client connected")
	defer func() {
		remaining := s.adminClientCount.Add(-1)
		s.logger.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("admin client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Warn().Err(err).Msg("admin read failed")
			}
			return
		}
		var req adminRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeAdminResponse(conn, adminResponse{Error: err.Error()})
			continue
		}

		if req.Action == "channel.open" {
			s.proxyChannel(ctx, conn, reader, req.Service)
			return
		}

		resp := s.handleAdminRequest(ctx, req)
		if err := writeAdminResponse(conn, resp); err != nil {
			s.logger.Warn().Err(err).Msg("admin write failed")
			return
		}
	}
}

func (s *Service) handleAdminRequest(ctx context.Context, req adminRequest) adminResponse {
	callCtx, cancel := context.WithTimeout(ctx, adminCallTimeout)
	defer cancel()

	switch {
	case req.Action == "status":
		return adminResponse{OK: true, Data: map[string]any{
			"host_id":         s.cfg.HostID,
			"state":           s.manager.State().String(),
			"admin_clients":   s.adminClientCount.Load(),
			"channels_served": s.channelsServed.Load(),
		}}
	case req.Action == "inspector.toggle":
		if err := s.broker.ToggleInspector(callCtx); err != nil {
			return adminResponse{Error: err.Error()}
		}
		return adminResponse{OK: true}
	case req.Action == "shutdown":
		res := s.shutdown.Trigger(callCtx)
		return adminResponse{OK: true, Data: map[string]any{
			"host_existed": res.HostExisted,
			"veto_removed": res.VetoRemoved,
		}}
	case strings.HasPrefix(req.Action, "recents."):
		return s.relayServiceCall(callCtx, shade.ServiceRecents, shade.Request{
			Op:    strings.TrimPrefix(req.Action, "recents."),
			URI:   req.URI,
			Label: req.Label,
		})
	case strings.HasPrefix(req.Action, "secret."):
		return s.relayServiceCall(callCtx, shade.ServiceSecrets, shade.Request{
			Op:    strings.TrimPrefix(req.Action, "secret."),
			Scope: req.Scope,
			Key:   req.Key,
			Value: req.Value,
		})
	default:
		return adminResponse{Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

// relayServiceCall brokers a fresh channel for one request/response pair.
func (s *Service) relayServiceCall(ctx context.Context, service string, call shade.Request) adminResponse {
	ch, err := s.broker.RequestChannel(ctx, service)
	if err != nil {
		return adminResponse{Error: err.Error()}
	}
	defer ch.Conn.Close()
	s.channelsServed.Add(1)

	if deadline, ok := ctx.Deadline(); ok {
		_ = ch.Conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(ch.Conn).Encode(call); err != nil {
		return adminResponse{Error: err.Error()}
	}
	var out shade.Response
	if err := json.NewDecoder(ch.Conn).Decode(&out); err != nil {
		return adminResponse{Error: err.Error()}
	}
	if !out.OK {
		return adminResponse{Error: out.Error}
	}
	return adminResponse{OK: true, Data: out}
}

// proxyChannel answers the channel.open action, then splices the admin
// connection onto the brokered channel until either side hangs up.
func (s *Service) proxyChannel(ctx context.Context, conn net.Conn, reader *bufio.Reader, service string) {
	callCtx, cancel := context.WithTimeout(ctx, adminCallTimeout)
	ch, err := s.broker.RequestChannel(callCtx, service)
	cancel()
	if err != nil {
		_ = writeAdminResponse(conn, adminResponse{Error: err.Error()})
		return
	}
	defer ch.Conn.Close()
	s.channelsServed.Add(1)

	if err := writeAdminResponse(conn, adminResponse{OK: true, Data: map[string]any{
		"service": ch.Service,
		"nonce":   ch.Nonce,
	}}); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Splice from the buffered reader so bytes the client pipelined behind
	// the action line are not lost.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch.Conn, reader)
		ch.Conn.Close()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, ch.Conn)
		conn.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
	s.logger.Debug().Str("service", service).Str("nonce", ch.Nonce).Msg("proxied channel closed")
}

func writeAdminResponse(w io.Writer, resp adminResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
