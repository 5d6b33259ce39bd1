package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/perpsentinel/internal/decision"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/shopspring/decimal"
)

// defaultStyleTags seeds one agent per style per symbol. The optimizer that
// would normally grow/prune this roster and tune performance_multiplier is
// out of scope (spec.md §1); this process only ever reads Agent records.
var defaultStyleTags = []string{
	decision.StyleMomentum,
	decision.StyleMeanReversion,
	decision.StyleBreakout,
}

// LoadOrSeedAgents reads any agent snapshots persisted under
// dataDir/agents/<agentID>.json from a prior run (so an out-of-process
// optimizer's edits to performance_multiplier survive a restart), and seeds
// a default-weight agent for each (symbol, style) pair with no snapshot on
// disk.
func LoadOrSeedAgents(dataDir string, symbols []string) (map[string][]types.Agent, error) {
	byID, err := loadAgentSnapshots(dataDir)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]types.Agent, len(symbols))
	for _, symbol := range symbols {
		var agents []types.Agent
		for _, style := range defaultStyleTags {
			id := agentID(symbol, style)
			if a, ok := byID[id]; ok {
				agents = append(agents, a)
				continue
			}
			agents = append(agents, types.Agent{
				AgentID:               id,
				Symbol:                symbol,
				StyleTag:              style,
				BaseWeight:            decimal.NewFromInt(1),
				PerformanceMultiplier: decimal.NewFromInt(1),
			})
		}
		out[symbol] = agents
	}
	return out, nil
}

func agentID(symbol, style string) string {
	return fmt.Sprintf("%s-%s", symbol, style)
}

func loadAgentSnapshots(dataDir string) (map[string]types.Agent, error) {
	dir := filepath.Join(dataDir, "agents")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]types.Agent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read agents dir: %w", err)
	}

	out := make(map[string]types.Agent, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var a types.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		out[a.AgentID] = a
	}
	return out, nil
}
