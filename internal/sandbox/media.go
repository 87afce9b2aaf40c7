package sandbox

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Media reference objects embedded in a script result are maps carrying a
// media_type plus exactly one source key. They are resolved into
// attachments for the next prompt and removed from the result payload.
const mediaTypeKey = "media_type"

var sourceKeys = map[string]AttachmentSource{
	"path":      SourceLocalPath,
	"object_id": SourceObjectStore,
	"bytes":     SourceBytes,
	"url":       SourceRemoteURL,
}

// extractAttachments scans a host-native result structure for embedded
// media references, replacing each with a placeholder string.
func extractAttachments(v interface{}) (interface{}, []Attachment) {
	var attachments []Attachment
	cleaned := walkMedia(v, &attachments)
	return cleaned, attachments
}

func walkMedia(v interface{}, out *[]Attachment) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if att, ok := asMediaRef(val); ok {
			*out = append(*out, att)
			return fmt.Sprintf("[attachment:%s]", att.ID)
		}
		for k, child := range val {
			val[k] = walkMedia(child, out)
		}
		return val
	case []interface{}:
		for i, child := range val {
			val[i] = walkMedia(child, out)
		}
		return val
	default:
		return v
	}
}

// asMediaRef interprets a map as a media reference if it carries a
// media_type and exactly one known source key.
func asMediaRef(m map[string]interface{}) (Attachment, bool) {
	mediaType, ok := m[mediaTypeKey].(string)
	if !ok || mediaType == "" {
		return Attachment{}, false
	}

	var (
		source AttachmentSource
		ref    string
		found  int
	)
	for key, src := range sourceKeys {
		raw, ok := m[key].(string)
		if !ok || raw == "" {
			continue
		}
		found++
		source = src
		ref = raw
	}
	if found != 1 {
		return Attachment{}, false
	}

	att := Attachment{
		ID:        uuid.NewString(),
		MediaType: mediaType,
		Source:    source,
		Ref:       ref,
	}
	if source == SourceBytes {
		if data, err := base64.StdEncoding.DecodeString(ref); err == nil {
			att.Data = data
			att.Ref = ""
		}
	}
	return att, true
}
