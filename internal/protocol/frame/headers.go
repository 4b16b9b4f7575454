package frame

// Well-known header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderDestination   = "destination"
	HeaderHost          = "host"
	HeaderID            = "id"
	HeaderLogin         = "login"
	HeaderMessage       = "message"
	HeaderMessageID     = "message-id"
	HeaderPasscode      = "passcode"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderServer        = "server"
	HeaderSession       = "session"
	HeaderSubscription  = "subscription"
	HeaderTransaction   = "transaction"
	HeaderVersion       = "version"
)

type header struct {
	key   string
	value string
}

// Headers is an insertion-ordered header set. The zero value is empty and
// ready to use.
type Headers struct {
	entries []header
}

// NewHeaders builds headers from alternating key/value pairs. A trailing
// key without a value is ignored.
func NewHeaders(kv ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func (h *Headers) index(key string) int {
	for i := range h.entries {
		if h.entries[i].key == key {
			return i
		}
	}
	return -1
}

// Get returns the value for key or "".
func (h Headers) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup returns the value for key and whether it is present.
func (h Headers) Lookup(key string) (string, bool) {
	if i := h.index(key); i >= 0 {
		return h.entries[i].value, true
	}
	return "", false
}

// Set stores value for key, replacing an existing value in place.
func (h *Headers) Set(key, value string) {
	if i := h.index(key); i >= 0 {
		h.entries[i].value = value
		return
	}
	h.entries = append(h.entries, header{key: key, value: value})
}

// Add stores value only when key is absent. It reports whether the value
// was stored; repeated wire headers keep their first occurrence.
func (h *Headers) Add(key, value string) bool {
	if h.index(key) >= 0 {
		return false
	}
	h.entries = append(h.entries, header{key: key, value: value})
	return true
}

// Del removes key.
func (h *Headers) Del(key string) {
	if i := h.index(key); i >= 0 {
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
	}
}

// Len returns the number of headers.
func (h Headers) Len() int {
	return len(h.entries)
}

// Keys returns header names in insertion order.
func (h Headers) Keys() []string {
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.key)
	}
	return out
}

// Range calls fn for each header in insertion order until fn returns false.
func (h Headers) Range(fn func(key, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if len(h.entries) == 0 {
		return Headers{}
	}
	out := Headers{entries: make([]header, len(h.entries))}
	copy(out.entries, h.entries)
	return out
}

// Map returns the headers as a plain map.
func (h Headers) Map() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		out[e.key] = e.value
	}
	return out
}

// MergeHeaders builds outbound headers: base first, overrides replace base
// values, and destination is always written last when non-empty.
func MergeHeaders(base, overrides Headers, destination string) Headers {
	out := base.Clone()
	overrides.Range(func(k, v string) bool {
		out.Set(k, v)
		return true
	})
	if destination != "" {
		out.Del(HeaderDestination)
		out.Set(HeaderDestination, destination)
	}
	return out
}
