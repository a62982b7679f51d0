package client

import (
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/auth"
	"github.com/kallelund/boretun/internal/obs"
	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/proxy"
)

// handleData implements the data-channel task of spec §4.6: dial the
// server again, authenticate, claim id, dial the local target, and
// shuttle bytes. Any recoverable I/O error here is isolated to this one
// connection; it is logged and the task simply returns rather than
// retrying (spec §9: "do not retry — the public peer has already been
// dropped").
//
// This never inspects the server's reply to Accept before shuttling,
// matching original_source/src/client.rs's handle_connection, which
// hands the connection straight to proxy() after Accept. A server that
// replies Error("missing connection") because the TTL raced the dial
// back closes the connection right after that frame. The client does not
// log that reply: the shuttle copies the frame's bytes to the local
// service like any other data and then ends on the server's close.
func (c *controlSession) handleData(id uuid.UUID) {
	conn, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		obs.Debug("client.data.dial_server", obs.Fields{"id": id.String(), "err": err.Error()})
		return
	}
	f := proto.NewFramer(conn)

	a := auth.New(c.cfg.Secret)
	if a.Enabled() {
		if _, err := a.ClientHandshake(f); err != nil {
			obs.Debug("client.data.auth", obs.Fields{"id": id.String(), "err": err.Error()})
			_ = conn.Close()
			return
		}
	}

	if err := f.Send(proto.Accept(id)); err != nil {
		obs.Debug("client.data.accept", obs.Fields{"id": id.String(), "err": err.Error()})
		_ = conn.Close()
		return
	}

	local, err := net.Dial("tcp", net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(c.cfg.LocalPort)))
	if err != nil {
		obs.Debug("client.data.dial_local", obs.Fields{"id": id.String(), "err": err.Error()})
		_ = conn.Close()
		return
	}

	if leftover := f.Unread(); len(leftover) > 0 {
		if _, err := local.Write(leftover); err != nil {
			obs.Debug("client.data.flush", obs.Fields{"id": id.String(), "err": err.Error()})
			_ = conn.Close()
			_ = local.Close()
			return
		}
	}

	proxy.Shuttle(local, conn)
}
