package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status    Status `json:"status,omitempty"`
	Key       string `json:"key,omitempty"`
	Statement string `json:"statement,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewKeyResponse(key string) Response {
	return Response{Status: StatusSuccess, Key: key}
}

func NewStatementResponse(key, statement string) Response {
	return Response{Status: StatusSuccess, Key: key, Statement: statement}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
