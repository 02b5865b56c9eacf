package server

import (
	"context"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/protocol"
)

func (s *Server) cmdBlockCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	blockID, err := req.UUID("block_id")
	if err != nil {
		return badMsg()
	}
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	data, err := req.Bytes("block")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if err := s.comp.Blocks.Create(ctx, c.cc.Organization, c.cc.DeviceID, realmID, blockID, data); err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdBlockRead(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	blockID, err := req.UUID("block_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	data, err := s.comp.Blocks.Read(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), blockID)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().Set("block", data)
}

func (s *Server) cmdMessageGet(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	offset, ok, err := req.OptInt64("offset")
	if err != nil {
		return badMsg()
	}
	if !ok {
		offset = 0
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	messages, err := s.comp.Messages.Get(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), offset)
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"count":     m.Index,
			"sender":    string(m.Sender),
			"timestamp": apitypes.TimeToMicro(m.Timestamp),
			"body":      m.Body,
		})
	}
	return protocol.OK().Set("messages", out)
}
