package velocity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Hash fields: spent, count and anchor for the daily, weekly and monthly windows.
var ledgerFields = []string{"ds", "ws", "ms", "dc", "wc", "mc", "da", "wa", "ma"}

const rollLua = `
local function i(n) return string.format("%d", n) end
local now = tonumber(ARGV[1])
local lens = {tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])}
local raw = redis.call("HMGET", KEYS[1], "ds", "ws", "ms", "dc", "wc", "mc", "da", "wa", "ma")
local spent, count, anchor = {}, {}, {}
for w = 1, 3 do
  spent[w] = tonumber(raw[w]) or 0
  count[w] = tonumber(raw[w + 3]) or 0
  anchor[w] = tonumber(raw[w + 6]) or 0
  if anchor[w] <= 0 then
    anchor[w] = now
    spent[w] = 0
    count[w] = 0
  elseif now - anchor[w] >= lens[w] then
    anchor[w] = anchor[w] + math.floor((now - anchor[w]) / lens[w]) * lens[w]
    spent[w] = 0
    count[w] = 0
  end
end
`

const storeLua = `
redis.call("HSET", KEYS[1],
  "ds", i(spent[1]), "ws", i(spent[2]), "ms", i(spent[3]),
  "dc", i(count[1]), "wc", i(count[2]), "mc", i(count[3]),
  "da", i(anchor[1]), "wa", i(anchor[2]), "ma", i(anchor[3]))
redis.call("PEXPIRE", KEYS[1], ARGV[#ARGV])
`

// reserveScript rolls, checks and commits in one server-side step.
// ARGV: now, amount, 3 window lengths, 3 amount limits, 3 count caps (-1 for
// none), ttl. Returns {reason, spent x3, count x3, anchor x3}; reason 1-3 is
// an amount limit and 4-6 a count cap.
var reserveScript = redis.NewScript(rollLua + `
local amount = tonumber(ARGV[2])
local reason = 0
for w = 1, 3 do
  local limit = tonumber(ARGV[5 + w])
  if reason == 0 and limit > 0 and spent[w] + amount > limit then
    reason = w
  end
end
for w = 1, 3 do
  local cap = tonumber(ARGV[8 + w])
  if reason == 0 and cap >= 0 and count[w] + 1 > cap then
    reason = w + 3
  end
end
if reason == 0 then
  for w = 1, 3 do
    spent[w] = spent[w] + amount
    count[w] = count[w] + 1
  end
end
` + storeLua + `
return {reason, spent[1], spent[2], spent[3], count[1], count[2], count[3], anchor[1], anchor[2], anchor[3]}
`)

// releaseScript undoes a reservation in windows that opened before it.
// ARGV: now, amount, 3 window lengths, reservedAt, ttl.
var releaseScript = redis.NewScript(rollLua + `
local amount = tonumber(ARGV[2])
local reservedAt = tonumber(ARGV[6])
for w = 1, 3 do
  if anchor[w] > 0 and reservedAt >= anchor[w] then
    spent[w] = math.max(spent[w] - amount, 0)
    count[w] = math.max(count[w] - 1, 0)
  end
end
` + storeLua + `
return 1
`)

var scriptReasons = map[int64]models.DenialReason{
	1: models.DenialVelocityDaily,
	2: models.DenialVelocityWeekly,
	3: models.DenialVelocityMonthly,
	4: models.DenialVelocityDaily,
	5: models.DenialVelocityWeekly,
	6: models.DenialVelocityMonthly,
}

// RedisLedger shares counters across replicas. Keys expire after the monthly
// window plus a day so idle principals do not accumulate.
type RedisLedger struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{Client: client, Prefix: "soul:velocity:", TTL: MonthlyWindow + DailyWindow}
}

func (l *RedisLedger) key(k Key) string {
	return l.Prefix + "{" + k.UserID + "}:" + k.CardID
}

func (l *RedisLedger) ttlMs() int64 {
	if l.TTL <= 0 {
		return (MonthlyWindow + DailyWindow).Milliseconds()
	}
	return l.TTL.Milliseconds()
}

func windowArgs() []interface{} {
	return []interface{}{DailyWindow.Milliseconds(), WeeklyWindow.Milliseconds(), MonthlyWindow.Milliseconds()}
}

func capArg(v *int) int {
	if v == nil {
		return -1
	}
	return *v
}

func (l *RedisLedger) Load(ctx context.Context, key Key) (Counters, error) {
	vals, err := l.Client.HMGet(ctx, l.key(key), ledgerFields...).Result()
	if err != nil {
		return Counters{}, err
	}
	nums := make([]int64, len(ledgerFields))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Counters{}, fmt.Errorf("field %s: %w", ledgerFields[i], err)
		}
		nums[i] = n
	}
	return countersFrom(nums), nil
}

func (l *RedisLedger) Reserve(ctx context.Context, key Key, amount int64, limits models.VelocityLimits, nowMs int64) (Outcome, error) {
	args := []interface{}{nowMs, amount}
	args = append(args, windowArgs()...)
	args = append(args, limits.Daily, limits.Weekly, limits.Monthly)
	args = append(args, capArg(limits.DailyTxCount), capArg(limits.WeeklyTxCount), capArg(limits.MonthlyTxCount))
	args = append(args, l.ttlMs())
	res, err := reserveScript.Run(ctx, l.Client, []string{l.key(key)}, args...).Result()
	if err != nil {
		return Outcome{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 10 {
		return Outcome{}, errors.New("unexpected reserve script result")
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Outcome{}, fmt.Errorf("reserve script result %d is %T", i, v)
		}
		nums[i] = n
	}
	out := Outcome{Counters: countersFrom(nums[1:])}
	if nums[0] != 0 {
		// Re-run the check locally for the detail string; the script already
		// decided and committed nothing.
		out.Reason = scriptReasons[nums[0]]
		_, out.Detail = Evaluate(out.Counters, amount, limits)
		if out.Detail == "" {
			out.Detail = "velocity limit exceeded"
		}
	}
	return out, nil
}

func (l *RedisLedger) Release(ctx context.Context, key Key, amount, reservedAtMs, nowMs int64) error {
	args := []interface{}{nowMs, amount}
	args = append(args, windowArgs()...)
	args = append(args, reservedAtMs, l.ttlMs())
	return releaseScript.Run(ctx, l.Client, []string{l.key(key)}, args...).Err()
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	if l.Client == nil {
		return errors.New("redis client not configured")
	}
	return l.Client.Ping(ctx).Err()
}

// countersFrom maps the ds,ws,ms,dc,wc,mc,da,wa,ma ordering.
func countersFrom(n []int64) Counters {
	return Counters{
		DailySpent:    n[0],
		WeeklySpent:   n[1],
		MonthlySpent:  n[2],
		DailyCount:    int(n[3]),
		WeeklyCount:   int(n[4]),
		MonthlyCount:  int(n[5]),
		DailyAnchor:   n[6],
		WeeklyAnchor:  n[7],
		MonthlyAnchor: n[8],
	}
}
