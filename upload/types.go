// Package upload holds the JSON bodies of the upload-session HTTP surface shared by
// the server and its clients.
package upload

import "github.com/furvino/go-stackutils/upload/session"

// InitResponse ...
type InitResponse struct {
	UploadID     string `json:"uploadId"`
	PartSize     int64  `json:"partSize"`
	Filename     string `json:"filename"`
	TargetFolder string `json:"targetFolder"`
	StackPath    string `json:"stackPath"`
}

// StatusResponse lists the parts received so far.
type StatusResponse struct {
	Meta  session.Meta `json:"meta"`
	Parts []int        `json:"parts"`
}

// CompleteRequest ...
type CompleteRequest struct {
	TotalParts int  `json:"totalParts,omitempty" validate:"gte=0"`
	Publish    bool `json:"publish,omitempty"`
}

// CompleteResponse ...
type CompleteResponse struct {
	OK        bool   `json:"ok"`
	StackPath string `json:"stackPath"`
	Size      int64  `json:"size"`
	ShareURL  string `json:"shareUrl,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// ShareTokenRequest asks for a direct-upload token for TargetFolder.
type ShareTokenRequest struct {
	TargetFolder string `json:"targetFolder" validate:"required"`
}

// ShareTokenResponse is what a browser needs to talk to STACK directly.
type ShareTokenResponse struct {
	ShareID       int64  `json:"shareID"`
	ShareURLToken string `json:"shareURLToken"`
	ShareToken    string `json:"shareToken"`
	ParentNodeID  int64  `json:"parentNodeID"`
	ExpiresAt     int64  `json:"expiresAt"`
	StackAPIURL   string `json:"stackApiUrl"`
}

// ErrorResponse ...
type ErrorResponse struct {
	Error string `json:"error"`
}
