package agentloop

import (
	"encoding/json"
	"sync"

	"github.com/martinemde/boomerang/unifiedllm"
)

// UsageTotals are the token counters of one request or one task, plus its
// cost when known.
type UsageTotals struct {
	TokensIn    int      `json:"tokensIn"`
	TokensOut   int      `json:"tokensOut"`
	CacheWrites int      `json:"cacheWrites"`
	CacheReads  int      `json:"cacheReads"`
	Cost        *float64 `json:"cost,omitempty"`
}

// TotalCost returns the cost, reading unknown as zero.
func (u UsageTotals) TotalCost() float64 {
	if u.Cost == nil {
		return 0
	}
	return *u.Cost
}

// Add returns the sum of u and other.
func (u UsageTotals) Add(other UsageTotals) UsageTotals {
	sum := UsageTotals{
		TokensIn:    u.TokensIn + other.TokensIn,
		TokensOut:   u.TokensOut + other.TokensOut,
		CacheWrites: u.CacheWrites + other.CacheWrites,
		CacheReads:  u.CacheReads + other.CacheReads,
	}
	if u.Cost != nil || other.Cost != nil {
		c := u.TotalCost() + other.TotalCost()
		sum.Cost = &c
	}
	return sum
}

// UsageAccountant accumulates the usage chunks of one streamed request.
// The primary loop and the background drain share one accountant; each
// chunk is pulled from the stream exactly once, so nothing is counted
// twice.
type UsageAccountant struct {
	mu           sync.Mutex
	model        *unifiedllm.ModelInfo
	usage        unifiedllm.Usage
	reportedCost float64
	costReported bool
	observed     bool
}

// NewUsageAccountant creates an accountant that prices usage with model.
// A nil model prices at zero unless the provider reports a cost.
func NewUsageAccountant(model *unifiedllm.ModelInfo) *UsageAccountant {
	return &UsageAccountant{model: model}
}

// Add records one usage report.
func (a *UsageAccountant) Add(u unifiedllm.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observed = true
	if u.TotalCost != nil {
		a.reportedCost += *u.TotalCost
		a.costReported = true
	}
	u.TotalCost = nil
	a.usage = a.usage.Add(u)
}

// Snapshot returns the totals so far and whether any usage was observed.
func (a *UsageAccountant) Snapshot() (UsageTotals, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, out, cacheWrite, cacheRead := a.usage.Tokens()
	totals := UsageTotals{TokensIn: in, TokensOut: out, CacheWrites: cacheWrite, CacheReads: cacheRead}
	cost := unifiedllm.CalculateCost(a.model, a.usage)
	if a.costReported {
		cost = a.reportedCost
	}
	totals.Cost = &cost
	return totals, a.observed
}

// CancelReason records why a request's stream was cut short.
type CancelReason string

const (
	CancelUserCancelled   CancelReason = "user_cancelled"
	CancelStreamingFailed CancelReason = "streaming_failed"
)

// APIRequestInfo is the body of an api_req_started message: the persisted
// record of one conversational turn's request and its usage.
type APIRequestInfo struct {
	Request                string       `json:"request,omitempty"`
	TokensIn               int          `json:"tokensIn"`
	TokensOut              int          `json:"tokensOut"`
	CacheWrites            int          `json:"cacheWrites"`
	CacheReads             int          `json:"cacheReads"`
	Cost                   *float64     `json:"cost,omitempty"`
	UsageMissing           bool         `json:"usageMissing,omitempty"`
	CancelReason           CancelReason `json:"cancelReason,omitempty"`
	StreamingFailedMessage string       `json:"streamingFailedMessage,omitempty"`
}

// Finished reports whether the request reached a final state. Unfinished
// records belong to requests that died without streaming anything.
func (r APIRequestInfo) Finished() bool {
	return r.Cost != nil || r.CancelReason != "" || r.UsageMissing
}

// Totals returns the usage counters of the record.
func (r APIRequestInfo) Totals() UsageTotals {
	return UsageTotals{
		TokensIn:    r.TokensIn,
		TokensOut:   r.TokensOut,
		CacheWrites: r.CacheWrites,
		CacheReads:  r.CacheReads,
		Cost:        r.Cost,
	}
}

// withUsage returns r carrying totals. When no usage was ever observed the
// counters stay zero and the record is marked usageMissing instead of
// being given a zero cost.
func (r APIRequestInfo) withUsage(totals UsageTotals, observed bool) APIRequestInfo {
	r.TokensIn = totals.TokensIn
	r.TokensOut = totals.TokensOut
	r.CacheWrites = totals.CacheWrites
	r.CacheReads = totals.CacheReads
	if observed {
		r.Cost = totals.Cost
		r.UsageMissing = false
	} else {
		r.Cost = nil
		r.UsageMissing = true
	}
	return r
}

func parseAPIRequestInfo(text string) (APIRequestInfo, bool) {
	var info APIRequestInfo
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return APIRequestInfo{}, false
	}
	return info, true
}

func (r APIRequestInfo) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// AggregateUsage sums the usage of every api_req_started record in msgs.
func AggregateUsage(msgs []UIMessage) UsageTotals {
	var total UsageTotals
	for _, m := range msgs {
		if m.Type != MessageSay || m.Say != SayAPIReqStarted {
			continue
		}
		if info, ok := parseAPIRequestInfo(m.Text); ok {
			total = total.Add(info.Totals())
		}
	}
	return total
}
