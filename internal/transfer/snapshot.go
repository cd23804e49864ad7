package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
)

// SnapshotVersion is the current snapshot format version. Decoders reject
// anything else before touching the store.
const SnapshotVersion = 1

// SnapshotFilename is the snapshot's name inside an archive.
const SnapshotFilename = "workbench.snapshot"

// Snapshot record kinds, in the dependency order they appear in the stream.
const (
	recordHeader               = "header"
	recordConversation         = "conversation"
	recordAssistant            = "assistant"
	recordMessage              = "message"
	recordMessageDebug         = "message_debug"
	recordFile                 = "file"
	recordFileVersion          = "file_version"
	recordAssistantParticipant = "assistant_participant"
	recordUserParticipant      = "user_participant"
)

// envelope is one snapshot line: a kind discriminator plus the record payload.
// Payloads carry original (pre-remap) identifiers.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
	// Header fields, only set on the first line.
	Version int `json:"version,omitempty"`
}

// maxSnapshotLine bounds a single record. Message content dominates line size.
const maxSnapshotLine = 16 * 1024 * 1024

// SnapshotWriter encodes records as JSONL.
type SnapshotWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewSnapshotWriter writes the version header and returns the writer.
func NewSnapshotWriter(w io.Writer) (*SnapshotWriter, error) {
	bw := bufio.NewWriter(w)
	sw := &SnapshotWriter{w: bw, enc: json.NewEncoder(bw)}
	if err := sw.enc.Encode(envelope{Kind: recordHeader, Version: SnapshotVersion}); err != nil {
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}
	return sw, nil
}

func (sw *SnapshotWriter) write(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	if err := sw.enc.Encode(envelope{Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	return nil
}

// Flush must be called once after the last record.
func (sw *SnapshotWriter) Flush() error {
	return sw.w.Flush()
}

// EncodeSnapshot streams the given conversations and assistants into w in
// dependency order. Child entities are paged out of the store in batches of
// pageSize so the full entity set is never held in memory.
func EncodeSnapshot(ctx context.Context, st registrystore.WorkbenchStore, conversations []model.Conversation, assistants []model.Assistant, w io.Writer, pageSize int) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	sw, err := NewSnapshotWriter(w)
	if err != nil {
		return err
	}

	for i := range conversations {
		if err := sw.write(recordConversation, &conversations[i]); err != nil {
			return err
		}
	}
	for i := range assistants {
		if err := sw.write(recordAssistant, &assistants[i]); err != nil {
			return err
		}
	}

	for _, conv := range conversations {
		after := int64(0)
		for {
			msgs, err := st.PageMessages(ctx, conv.ID, after, pageSize)
			if err != nil {
				return err
			}
			for i := range msgs {
				if err := sw.write(recordMessage, &msgs[i]); err != nil {
					return err
				}
			}
			if len(msgs) < pageSize {
				break
			}
			after = msgs[len(msgs)-1].Sequence
		}
	}

	for _, conv := range conversations {
		var after *uuid.UUID
		for {
			debugs, err := st.PageMessageDebugs(ctx, conv.ID, after, pageSize)
			if err != nil {
				return err
			}
			for i := range debugs {
				if err := sw.write(recordMessageDebug, &debugs[i]); err != nil {
					return err
				}
			}
			if len(debugs) < pageSize {
				break
			}
			last := debugs[len(debugs)-1].ID
			after = &last
		}
	}

	for _, conv := range conversations {
		after := ""
		for {
			files, err := st.PageFiles(ctx, conv.ID, after, pageSize)
			if err != nil {
				return err
			}
			for i := range files {
				if err := sw.write(recordFile, &files[i]); err != nil {
					return err
				}
			}
			if len(files) < pageSize {
				break
			}
			after = files[len(files)-1].Filename
		}
	}
	for _, conv := range conversations {
		after := ""
		for {
			files, err := st.PageFiles(ctx, conv.ID, after, pageSize)
			if err != nil {
				return err
			}
			for _, f := range files {
				versions, err := st.ListFileVersions(ctx, f.ID)
				if err != nil {
					return err
				}
				for i := range versions {
					if err := sw.write(recordFileVersion, &versions[i]); err != nil {
						return err
					}
				}
			}
			if len(files) < pageSize {
				break
			}
			after = files[len(files)-1].Filename
		}
	}

	for _, conv := range conversations {
		participants, err := st.ListAssistantParticipants(ctx, conv.ID)
		if err != nil {
			return err
		}
		for i := range participants {
			if err := sw.write(recordAssistantParticipant, &participants[i]); err != nil {
				return err
			}
		}
	}
	for _, conv := range conversations {
		participants, err := st.ListUserParticipants(ctx, conv.ID)
		if err != nil {
			return err
		}
		for i := range participants {
			if err := sw.write(recordUserParticipant, &participants[i]); err != nil {
				return err
			}
		}
	}

	return sw.Flush()
}

// RecordApplier receives decoded snapshot records in stream order. Appliers
// are responsible for parent-reference validation and identifier remapping.
type RecordApplier interface {
	ApplyConversation(ctx context.Context, line int, conv model.Conversation) error
	ApplyAssistant(ctx context.Context, line int, assistant model.Assistant) error
	ApplyMessage(ctx context.Context, line int, msg model.ConversationMessage) error
	ApplyMessageDebug(ctx context.Context, line int, debug model.ConversationMessageDebug) error
	ApplyFile(ctx context.Context, line int, file model.File) error
	ApplyFileVersion(ctx context.Context, line int, version model.FileVersion) error
	ApplyAssistantParticipant(ctx context.Context, line int, p model.AssistantParticipant) error
	ApplyUserParticipant(ctx context.Context, line int, p model.UserParticipant) error
}

// DecodeSnapshot reads a snapshot in a single forward pass, handing each
// record to the applier. The version header is validated before the first
// record is applied.
func DecodeSnapshot(ctx context.Context, r io.Reader, applier RecordApplier) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSnapshotLine)

	line := 0
	sawHeader := false
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return &MalformedSnapshotError{Line: line, Message: err.Error()}
		}

		if !sawHeader {
			if env.Kind != recordHeader {
				return &MalformedSnapshotError{Line: line, Message: "missing snapshot header"}
			}
			if env.Version != SnapshotVersion {
				return &UnsupportedSnapshotError{Version: env.Version}
			}
			sawHeader = true
			continue
		}

		var err error
		switch env.Kind {
		case recordHeader:
			err = &MalformedSnapshotError{Line: line, Message: "duplicate snapshot header"}
		case recordConversation:
			var v model.Conversation
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyConversation(ctx, line, v)
			}
		case recordAssistant:
			var v model.Assistant
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyAssistant(ctx, line, v)
			}
		case recordMessage:
			var v model.ConversationMessage
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyMessage(ctx, line, v)
			}
		case recordMessageDebug:
			var v model.ConversationMessageDebug
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyMessageDebug(ctx, line, v)
			}
		case recordFile:
			var v model.File
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyFile(ctx, line, v)
			}
		case recordFileVersion:
			var v model.FileVersion
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyFileVersion(ctx, line, v)
			}
		case recordAssistantParticipant:
			var v model.AssistantParticipant
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyAssistantParticipant(ctx, line, v)
			}
		case recordUserParticipant:
			var v model.UserParticipant
			if err = decodeRecord(line, env.Data, &v); err == nil {
				err = applier.ApplyUserParticipant(ctx, line, v)
			}
		default:
			err = &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("unknown record kind %q", env.Kind)}
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if !sawHeader {
		return &MalformedSnapshotError{Message: "empty snapshot"}
	}
	return nil
}

func decodeRecord(line int, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return &MalformedSnapshotError{Line: line, Message: "record has no data"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &MalformedSnapshotError{Line: line, Message: err.Error()}
	}
	return nil
}
