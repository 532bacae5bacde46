package posthandler

import (
	"bytes"
	"io"
	"mime/multipart"
)

// parseMultipart reads every form field from a multipart body, silently
// dropping file parts (only their field name would be meaningful and the
// Shield never proxies uploads).
func parseMultipart(body []byte, boundary string) (map[string]string, error, bool) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	out := map[string]string{}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err, false
		}
		if part.FileName() != "" {
			_, _ = io.Copy(io.Discard, part)
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, 1<<20))
		if err != nil {
			return nil, err, false
		}
		out[part.FormName()] = string(value)
	}
	return out, nil, false
}
