package core

import (
	"github.com/blackcoderx/amsdk/pkg/transport"
)

// RequestSender builds requests against the API host and submits them. It is the
// entry point used by applications; obtain one with Client.Sender.
type RequestSender struct {
	client *Client
}

func (s *RequestSender) build(method, path string, urlParams *transport.RequestParams, headers map[string]string) *Request {
	return s.client.NewRequest(method, path, urlParams).SetHeaders(headers)
}

// Get sends a GET request for path.
func (s *RequestSender) Get(path string, urlParams *transport.RequestParams, headers map[string]string, d Delegate) *Request {
	return s.build(MethodGet, path, urlParams, headers).Send(d)
}

// Send sends a request with any method. postParams become the JSON body of POST and
// PUT requests.
func (s *RequestSender) Send(method, path string, urlParams, postParams *transport.RequestParams, headers map[string]string, d Delegate) *Request {
	return s.build(method, path, urlParams, headers).SetPostParams(postParams).Send(d)
}

// GetInBatch adds a GET request to session instead of sending it.
func (s *RequestSender) GetInBatch(session *BatchSession, path string, urlParams *transport.RequestParams, headers map[string]string, d Delegate) *Request {
	return s.SendInBatch(session, MethodGet, path, urlParams, nil, headers, d)
}

// SendInBatch adds a request with any method to session instead of sending it.
func (s *RequestSender) SendInBatch(session *BatchSession, method, path string, urlParams, postParams *transport.RequestParams, headers map[string]string, d Delegate) *Request {
	r := s.build(method, path, urlParams, headers).SetPostParams(postParams).SetDelegate(d)
	session.Add(r)
	return r
}

// LoadImage fetches an image; the delegate receives the raw bytes.
func (s *RequestSender) LoadImage(path string, urlParams *transport.RequestParams, headers map[string]string, d Delegate) *Request {
	return s.build(MethodGet, path, urlParams, headers).LoadImage(d)
}

// UploadAttachments posts postParams and the files in attachments (field name to local
// path) as one multipart request through the document queue.
func (s *RequestSender) UploadAttachments(path string, urlParams *transport.RequestParams, postParams, attachments, headers map[string]string, d Delegate) *Request {
	return s.build(MethodPost, path, urlParams, headers).UploadAttachments(postParams, attachments, d)
}

// DownloadAttachment streams a document to localPath through the document queue.
func (s *RequestSender) DownloadAttachment(path string, urlParams *transport.RequestParams, headers map[string]string, localPath string, d DownloadDelegate) *Request {
	return s.build(MethodGet, path, urlParams, headers).DownloadDocument(localPath, d)
}

// BatchBegin starts a batch session.
func (s *RequestSender) BatchBegin() *BatchSession {
	return s.client.NewBatchSession()
}

// BatchCommit commits session. See BatchSession.Commit.
func (s *RequestSender) BatchCommit(session *BatchSession, customParams map[string]string, d BatchDelegate) *Request {
	return session.Commit(customParams, d)
}
