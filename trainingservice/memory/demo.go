package memory

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// BudgetScore scores a trial as budget * h, where h in [0, 1) is a hash of
// its other parameters. More budget scores higher, and the same
// configuration always scores the same.
func BudgetScore(budgetKey string) func(ts.TrialSpec) Result {
	return func(spec ts.TrialSpec) Result {
		var pf struct {
			Parameters map[string]interface{} `json:"parameters"`
		}
		if err := json.Unmarshal(spec.Parameters, &pf); err != nil {
			return Result{Status: ts.Failed}
		}
		budget := 1.0
		if b, ok := pf.Parameters[budgetKey].(float64); ok {
			budget = b
		}
		keys := make([]string, 0, len(pf.Parameters))
		for k := range pf.Parameters {
			if k != budgetKey {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		h := fnv.New64a()
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%v;", k, pf.Parameters[k])
		}
		frac := float64(h.Sum64()%1000000) / 1000000
		return Result{Value: strconv.FormatFloat(budget*frac, 'g', -1, 64)}
	}
}
