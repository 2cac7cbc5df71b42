package matchtable

// ErrCode is the typed result of every control-plane operation. The data
// plane (Apply) never produces one of these: a miss is not an error.
type ErrCode int

const (
	Success ErrCode = iota
	TableFull
	DuplicateEntry
	BadMatchKey
	InvalidMbrHandle
	InvalidGrpHandle
	EmptyGrp
	InvalidHandle
	ExpiredHandle
	CountersDisabled
	MetersDisabled
	AgeingDisabled
	NoDefaultEntry
	DefaultEntryIsConst
	DefaultActionIsConst
	Err
)

var errCodeNames = map[ErrCode]string{
	Success:              "SUCCESS",
	TableFull:            "TABLE_FULL",
	DuplicateEntry:       "DUPLICATE_ENTRY",
	BadMatchKey:          "BAD_MATCH_KEY",
	InvalidMbrHandle:     "INVALID_MBR_HANDLE",
	InvalidGrpHandle:     "INVALID_GRP_HANDLE",
	EmptyGrp:             "EMPTY_GRP",
	InvalidHandle:        "INVALID_HANDLE",
	ExpiredHandle:        "EXPIRED_HANDLE",
	CountersDisabled:     "COUNTERS_DISABLED",
	MetersDisabled:       "METERS_DISABLED",
	AgeingDisabled:       "AGEING_DISABLED",
	NoDefaultEntry:       "NO_DEFAULT_ENTRY",
	DefaultEntryIsConst:  "DEFAULT_ENTRY_IS_CONST",
	DefaultActionIsConst: "DEFAULT_ACTION_IS_CONST",
	Err:                  "ERROR",
}

func (c ErrCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Error lets ErrCode satisfy the error interface so it can be returned
// directly from Go functions that also need to compose with errors.Is/As
// in the ambient (non-table) layers, without ever being wrapped by them.
func (c ErrCode) Error() string { return c.String() }

// OK reports whether the code represents success.
func (c ErrCode) OK() bool { return c == Success }
