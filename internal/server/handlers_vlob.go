package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/protocol"
	vlobdomain "parsec/backend/internal/vlob/domain"
)

// parseSequesterBlobs converts the optional per-service blob map keyed
// by service id string.
func parseSequesterBlobs(raw map[string][]byte) (map[uuid.UUID][]byte, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[uuid.UUID][]byte, len(raw))
	for k, v := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

func (s *Server) cmdVlobCreate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	vlobID, err := req.UUID("vlob_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	timestamp, err := req.Time("timestamp")
	if err != nil {
		return badMsg()
	}
	blob, err := req.Bytes("blob")
	if err != nil {
		return badMsg()
	}
	rawSeq, err := req.OptBytesMap("sequester_blob")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	sequesterBlobs, err := parseSequesterBlobs(rawSeq)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	err = s.comp.Vlobs.Create(ctx, c.cc.Organization, c.cc.DeviceID, realmID, revision, vlobID, timestamp, blob, sequesterBlobs)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdVlobUpdate(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	vlobID, err := req.UUID("vlob_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	version, err := req.Int64("version")
	if err != nil {
		return badMsg()
	}
	timestamp, err := req.Time("timestamp")
	if err != nil {
		return badMsg()
	}
	blob, err := req.Bytes("blob")
	if err != nil {
		return badMsg()
	}
	rawSeq, err := req.OptBytesMap("sequester_blob")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	sequesterBlobs, err := parseSequesterBlobs(rawSeq)
	if err != nil {
		return protocol.NewRep(protocol.StatusInvalidData)
	}
	err = s.comp.Vlobs.Update(ctx, c.cc.Organization, c.cc.DeviceID, revision, vlobID, version, timestamp, blob, sequesterBlobs)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK()
}

func (s *Server) cmdVlobRead(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	vlobID, err := req.UUID("vlob_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	version, versionSet, err := req.OptInt64("version")
	if err != nil {
		return badMsg()
	}
	at, atSet, err := req.OptTime("timestamp")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	if versionSet && atSet {
		return badMsg()
	}
	res, err := s.comp.Vlobs.Read(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), revision, vlobID, version, at)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().
		Set("version", res.Version).
		Set("blob", res.Blob).
		Set("author", string(res.Author)).
		SetTime("timestamp", res.Timestamp)
}

func (s *Server) cmdVlobPollChanges(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	since, err := req.Int64("last_checkpoint")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	checkpoint, changes, err := s.comp.Vlobs.PollChanges(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID, since)
	if err != nil {
		return errRep(err)
	}
	out := make(map[string]int64, len(changes))
	for _, ch := range changes {
		out[ch.VlobID.String()] = ch.Version
	}
	return protocol.OK().
		Set("current_checkpoint", checkpoint).
		Set("changes", out)
}

func (s *Server) cmdVlobListVersions(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	vlobID, err := req.UUID("vlob_id")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	versions, err := s.comp.Vlobs.ListVersions(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), vlobID)
	if err != nil {
		return errRep(err)
	}
	out := make(map[int64][]any, len(versions))
	for _, v := range versions {
		out[v.Version] = []any{apitypes.TimeToMicro(v.Timestamp), string(v.Author)}
	}
	return protocol.OK().Set("versions", out)
}

func (s *Server) cmdVlobMaintenanceGetBatch(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	size, ok, err := req.OptInt64("size")
	if err != nil {
		return badMsg()
	}
	if !ok {
		size = 100
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	batch, err := s.comp.Vlobs.MaintenanceGetReencryptionBatch(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID, revision, int(size))
	if err != nil {
		return errRep(err)
	}
	out := make([]map[string]any, 0, len(batch))
	for _, e := range batch {
		out = append(out, map[string]any{
			"vlob_id": e.VlobID[:],
			"version": e.Version,
			"blob":    e.Blob,
		})
	}
	return protocol.OK().Set("batch", out)
}

type reencryptionBatchEntry struct {
	VlobID  []byte `msgpack:"vlob_id"`
	Version int64  `msgpack:"version"`
	Blob    []byte `msgpack:"blob"`
}

func (s *Server) cmdVlobMaintenanceSaveBatch(ctx context.Context, c *client, req *protocol.Request) protocol.Rep {
	realmID, err := req.UUID("realm_id")
	if err != nil {
		return badMsg()
	}
	revision, err := req.Int64("encryption_revision")
	if err != nil {
		return badMsg()
	}
	rawBatch, err := req.RawList("batch")
	if err != nil {
		return badMsg()
	}
	if err := req.Finish(); err != nil {
		return badMsg()
	}
	entries := make([]vlobdomain.BatchEntry, 0, len(rawBatch))
	for _, raw := range rawBatch {
		var e reencryptionBatchEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return badMsg()
		}
		id, err := uuid.FromBytes(e.VlobID)
		if err != nil {
			return protocol.NewRep(protocol.StatusInvalidData)
		}
		entries = append(entries, vlobdomain.BatchEntry{VlobID: id, Version: e.Version, Blob: e.Blob})
	}
	total, done, err := s.comp.Vlobs.MaintenanceSaveReencryptionBatch(ctx, c.cc.Organization, c.cc.DeviceID.UserID(), realmID, revision, entries)
	if err != nil {
		return errRep(err)
	}
	return protocol.OK().
		Set("total", total).
		Set("done", done)
}
