package notify

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// NotifyWriteChunkSize is the chunk size when writing payload to Unix socket (avoid large single write).
const NotifyWriteChunkSize = 32 * 1024 // 32KB

const MaxNotifyFileNameLen = 128

// Configuration for Unix Domain Socket notification
var (
	// DefaultUnixSocketPath is the default Unix socket path for IPC
	DefaultUnixSocketPath = "/tmp/batchsend-notify.sock"
	// UnixSocketTimeout is the timeout for Unix socket operations
	UnixSocketTimeout = 3 * time.Second
	UseNotify         = true
	UseNotifyWS       = true
)

// SetUseNotify sets whether to use notify
func SetUseNotify(use bool) {
	UseNotify = use
}

// SetNotifyWSEnabled sets whether the notify websocket route is served.
func SetNotifyWSEnabled(use bool) {
	UseNotifyWS = use
}

// NotifyWSEnabled reports whether web clients can subscribe to batch
// snapshots over the notify websocket.
func NotifyWSEnabled() bool {
	return UseNotifyWS
}

// SendNotification sends notification via Unix Domain Socket. The frame is a
// 4 byte little-endian length followed by the JSON payload; the listener may
// answer with a JSON object carrying an "error" field.
func SendNotification(notification *types.Notification, socketPath string) error {
	if !UseNotify {
		return nil
	}
	if socketPath == "" {
		socketPath = DefaultUnixSocketPath
	}

	// Check if socket file exists
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return fmt.Errorf("unix socket not found: %s (is the listener running?)", socketPath)
	}

	var payload []byte
	var err error
	if notification != nil {
		payload, err = sonic.Marshal(notification)
		if err != nil {
			return fmt.Errorf("failed to serialize notification data: %v", err)
		}
	} else {
		payload = []byte("{}")
	}

	// Reject payload over 32KB
	if len(payload) > NotifyWriteChunkSize {
		return fmt.Errorf("notification payload too large: %d bytes (max %d)", len(payload), NotifyWriteChunkSize)
	}

	conn, err := net.DialTimeout("unix", socketPath, UnixSocketTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to Unix socket %s: %v", socketPath, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			tool.DefaultLogger.Errorf("Failed to close Unix socket connection: %v", err)
		}
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set write deadline: %v", err)
	}

	lengthBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthBuf, uint32(len(payload)))
	if _, err := conn.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write length to Unix socket: %v", err)
	}
	tool.DefaultLogger.Debugf("Sending notification to Unix socket (len=%d): %s", len(payload), string(payload))
	for off := 0; off < len(payload); {
		nw, err := conn.Write(payload[off:])
		if err != nil {
			return fmt.Errorf("failed to write payload to Unix socket: %v", err)
		}
		off += nw
	}

	if err := conn.SetReadDeadline(time.Now().Add(UnixSocketTimeout)); err != nil {
		tool.DefaultLogger.Errorf("Failed to set read deadline: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read response from Unix socket: %v", err)
	}
	if n > 0 {
		var response map[string]any
		if err := sonic.Unmarshal(buf[:n], &response); err != nil {
			tool.DefaultLogger.Debugf("Unix socket response (raw): %s", string(buf[:n]))
		} else if errMsg, ok := response["error"].(string); ok && errMsg != "" {
			return fmt.Errorf("server returned error: %s", errMsg)
		}
	}

	if notification != nil {
		tool.DefaultLogger.Infof("[UnixSocket] Notification sent: %s - %s", notification.Type, notification.Title)
	} else {
		tool.DefaultLogger.Infof("[UnixSocket] Notification sent")
	}
	return nil
}

// SendSimpleNotification sends a simple text notification
func SendSimpleNotification(title, message string) error {
	notification := &types.Notification{
		Type:    types.NotifyTypeInfo,
		Title:   title,
		Message: message,
	}
	return SendNotification(notification, DefaultUnixSocketPath)
}

// UnitNotification builds the notification for one unit event. eventType is
// one of the upload_* types.
func UnitNotification(eventType string, unit types.UploadUnit) *types.Notification {
	name := unit.Name
	if len(name) > MaxNotifyFileNameLen {
		name = name[:MaxNotifyFileNameLen] + "..."
	}
	n := &types.Notification{
		Type: eventType,
		Data: map[string]any{
			"unitId":    unit.ID,
			"fileName":  name,
			"fileType":  unit.MediaType,
			"size":      unit.ByteSize,
			"attempt":   unit.Attempt,
			"status":    unit.Status,
			"updatedAt": unit.UpdatedAt,
		},
	}
	switch eventType {
	case types.NotifyTypeUploadStart:
		n.Title = "Upload Started"
		n.Message = fmt.Sprintf("Uploading %s (%s)", name, tool.HumanBytes(unit.ByteSize))
	case types.NotifyTypeUploadEnd:
		n.Title = "Upload Completed"
		n.Message = fmt.Sprintf("%s uploaded", name)
	case types.NotifyTypeUploadFailed:
		n.Title = "Upload Failed"
		n.Message = fmt.Sprintf("%s failed: %s", name, unit.Error)
		n.Data["error"] = unit.Error
	case types.NotifyTypeUploadRemoved:
		n.Title = "Upload Removed"
		n.Message = fmt.Sprintf("%s removed from batch", name)
	default:
		n.Title = "Upload Event"
		n.Message = fmt.Sprintf("Upload event: %s, unitId=%s", eventType, unit.ID)
	}
	return n
}
