package token

// Handler pairs a type tag with the codec used for values of that type.
// Keeping the pairing explicit lets deployments use different signing
// configurations per token type while still supporting reverse lookup of
// opaque values.
type Handler struct {
	Tag   string
	Codec Codec
}

// HandlerSet resolves token values without knowing their type up front:
// each codec is probed in registration order until one accepts the value.
type HandlerSet struct {
	handlers []Handler
	byTag    map[string]Codec
}

// NewHandlerSet builds a set from the given handlers. Later registrations
// for the same tag override earlier ones for ForTag lookups but both keep
// their probing slot.
func NewHandlerSet(handlers ...Handler) *HandlerSet {
	s := &HandlerSet{byTag: make(map[string]Codec, len(handlers))}
	for _, h := range handlers {
		s.handlers = append(s.handlers, h)
		s.byTag[h.Tag] = h.Codec
	}
	return s
}

// NewUniformHandlerSet registers the same codec for the standard token
// types. This is the common deployment shape.
func NewUniformHandlerSet(c Codec) *HandlerSet {
	return NewHandlerSet(
		Handler{Tag: TagCode, Codec: c},
		Handler{Tag: TagAccess, Codec: c},
		Handler{Tag: TagRefresh, Codec: c},
		Handler{Tag: TagID, Codec: c},
	)
}

// ForTag returns the codec for a token type tag.
func (s *HandlerSet) ForTag(tag string) (Codec, bool) {
	c, ok := s.byTag[tag]
	return c, ok
}

// Decode probes the registered codecs in order and returns the first
// successful decode. An expired value is still attributed to its codec, so
// ErrTokenExpired surfaces rather than being masked by later probes.
func (s *HandlerSet) Decode(value string) (*Info, error) {
	for _, h := range s.handlers {
		info, err := h.Codec.Decode(value)
		if err == nil {
			return info, nil
		}
		if err == ErrTokenExpired {
			return nil, ErrTokenExpired
		}
	}
	return nil, ErrUnknownToken
}
