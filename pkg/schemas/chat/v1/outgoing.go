package chat

// OutgoingTaskV1 is the payload of the outgoing queue.
type OutgoingTaskV1 struct {
	TenantID  string       `json:"tenantId"`
	ContactID string       `json:"contactId"`
	Body      string       `json:"body"`
	MediaInfo *MediaInfoV1 `json:"mediaInfo"`
}

// MediaInfoV1 points at a file already in content storage. Path is the
// local file the sender reads; URL is its public address.
type MediaInfoV1 struct {
	URL       string `json:"url"`
	Path      string `json:"path"`
	FileName  string `json:"fileName"`
	MediaType string `json:"mediaType"`
}

func (t *OutgoingTaskV1) Validate() error {
	ve := &ValidationError{}
	if t.TenantID == "" {
		ve.add("tenantId", "required")
	}
	if t.ContactID == "" {
		ve.add("contactId", "required")
	}
	if t.Body == "" && t.MediaInfo == nil {
		ve.add("body/mediaInfo", "one of body or mediaInfo is required")
	}
	if t.MediaInfo != nil && t.MediaInfo.Path == "" {
		ve.add("mediaInfo.path", "required")
	}
	return ve.orNil()
}
