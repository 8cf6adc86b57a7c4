package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrBadCursor        = "invalid cursor"
	ErrBadLimit         = "invalid limit"
	ErrNotEditable      = "message cannot be edited"
	ErrInvalidSignature = "invalid signature"
)
