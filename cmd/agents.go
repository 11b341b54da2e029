package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/store"
)

var agentsFile string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage AI agent identities",
}

var agentsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert AI agent identities from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("seed"); err != nil {
			return err
		}

		agents, err := loadAgentsFile(agentsFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		return seedAgents(ctx, st, agents, cmd.OutOrStdout())
	},
}

// agentsFileDoc is the layout of an agents seed file.
type agentsFileDoc struct {
	Agents []model.Agent `yaml:"agents"`
}

// loadAgentsFile reads and validates a seed file.
func loadAgentsFile(path string) ([]model.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "agents: read %s", path)
	}

	var doc agentsFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "agents: parse %s", path)
	}
	if len(doc.Agents) == 0 {
		return nil, eris.Errorf("agents: %s defines no agents", path)
	}

	seen := make(map[string]bool, len(doc.Agents))
	for i, a := range doc.Agents {
		a.Email = strings.TrimSpace(a.Email)
		if a.Email == "" {
			return nil, eris.Errorf("agents: entry %d has no email", i)
		}
		if seen[a.Email] {
			return nil, eris.Errorf("agents: duplicate email %s", a.Email)
		}
		seen[a.Email] = true
		if _, ok := model.ParseAgentType(string(a.Type)); !ok {
			return nil, eris.Errorf("agents: %s has unknown ai_type %q", a.Email, a.Type)
		}
		doc.Agents[i] = a
	}
	return doc.Agents, nil
}

func seedAgents(ctx context.Context, st store.Store, agents []model.Agent, out io.Writer) error {
	n, err := st.UpsertAgents(ctx, agents)
	if err != nil {
		return eris.Wrap(err, "agents: upsert")
	}
	zap.L().Info("agents seeded", zap.Int64("upserted", n))
	_, err = fmt.Fprintf(out, "Upserted %d AI agents\n", n)
	return err
}

func init() {
	agentsSeedCmd.Flags().StringVar(&agentsFile, "file", "agents.yaml", "YAML file listing AI agents")
	agentsCmd.AddCommand(agentsSeedCmd)
	rootCmd.AddCommand(agentsCmd)
}
