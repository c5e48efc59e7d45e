package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chn0318/replog/config"
	"github.com/chn0318/replog/crdt"
	"github.com/chn0318/replog/mapservice"
	"github.com/chn0318/replog/sharedlog"
	"github.com/chn0318/replog/sharedlog/gitlog"
	"github.com/chn0318/replog/syncserver"
)

type (
	op       = crdt.MapOp[string, string, string]
	state    = crdt.Map[string, string, string]
	members  = crdt.Orswot[string, string]
	localLog = *gitlog.GitLog[string, op]
	replica  = mapservice.Replica[string, op, localLog, *state]
)

var (
	v          = viper.New()
	configPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "replog",
	Short: "Edit a replicated map of sets and sync it through a hub",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a config file")
	pf.String("actor", "", "actor identity of this replica")
	pf.String("repo-path", "replog.git", "bare repository holding the local log")
	pf.String("log-name", "local", "name of the local log")
	pf.String("hub-addr", "localhost:50051", "gRPC address of the hub")
	pf.String("log-level", "warn", "debug, info, warn or error")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "timeout of a sync round")
	for _, name := range []string{"actor", "repo-path", "log-name", "hub-addr", "log-level"} {
		cobra.CheckErr(v.BindPFlag(name, pf.Lookup(name)))
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "add KEY MEMBER",
			Short: "Add MEMBER to the set at KEY",
			Args:  cobra.ExactArgs(2),
			RunE:  withReplica(runAdd),
		},
		&cobra.Command{
			Use:   "rm KEY [MEMBER]",
			Short: "Remove MEMBER from the set at KEY, or the whole KEY",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  withReplica(runRm),
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Push local entries to the hub and apply the hub's entries",
			Args:  cobra.NoArgs,
			RunE:  withReplica(runSync),
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the current map",
			Args:  cobra.NoArgs,
			RunE:  withReplica(runShow),
		},
	)
}

type session struct {
	conf    *config.Config
	logger  log.Logger
	log     localLog
	replica *replica
}

// withReplica opens the local log, rebuilds the map from every entry it
// holds and applies whatever is still pending before running fn.
func withReplica(fn func(*session, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		if c.Actor == "hub" {
			return errors.New("set --actor to the identity of this replica")
		}
		logger := config.NewLogger(os.Stderr, c.LogLevel)

		l, err := gitlog.OpenGitLog[string, op](c.Actor, c.RepoPath, c.LogName, sharedlog.WithLogger(logger))
		if err != nil {
			return err
		}
		m, err := replay(l)
		if err != nil {
			return err
		}
		r := mapservice.NewReplica[string, op](l, m, sharedlog.WithLogger(logger))
		if _, err := r.Drain(); err != nil {
			return err
		}
		return fn(&session{conf: c, logger: logger, log: l, replica: r}, args)
	}
}

// replay applies every entry of l to a fresh map. Applying an entry twice
// is harmless, so entries acked in earlier runs are simply replayed.
func replay(l localLog) (*state, error) {
	entries, err := l.Since(sharedlog.NewVClock[string]())
	if err != nil {
		return nil, err
	}
	m := crdt.NewMap[string, string, string]()
	for _, e := range entries {
		if err := m.Apply(e.Op); err != nil {
			return nil, sharedlog.NewError(sharedlog.KindApply, e.Dot, err)
		}
	}
	return m, nil
}

func (s *session) update(build func(m *state) op) error {
	var next op
	s.replica.View(func(m *state) { next = build(m) })
	t, err := s.replica.Update(next)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "committed", "dot", t.Dot, "kind", next.Kind, "key", next.Key)
	return nil
}

func runAdd(s *session, args []string) error {
	key, member := args[0], args[1]
	return s.update(func(m *state) op {
		return m.Update(key, m.Dot(s.conf.Actor), func(ms *members, d sharedlog.Dot[string]) crdt.SetOp[string, string] {
			return ms.Add(member, d)
		})
	})
}

func runRm(s *session, args []string) error {
	key := args[0]
	if len(args) == 1 {
		return s.update(func(m *state) op { return m.Rm(key, m.Context(key)) })
	}
	member := args[1]
	return s.update(func(m *state) op {
		return m.Update(key, m.Dot(s.conf.Actor), func(ms *members, d sharedlog.Dot[string]) crdt.SetOp[string, string] {
			return ms.Remove(member, ms.Context(member))
		})
	})
}

func runSync(s *session, _ []string) error {
	c, err := syncserver.Dial[string, op](s.conf.HubAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pushed, err := c.Push(ctx, s.log)
	if err != nil {
		return err
	}
	pulled, err := c.Pull(ctx, s.log)
	if err != nil {
		return err
	}
	applied, err := s.replica.Drain()
	if err != nil {
		return err
	}
	fmt.Printf("pushed %d, pulled %d, applied %d\n", pushed, pulled, applied)
	return nil
}

func runShow(s *session, _ []string) error {
	s.replica.View(func(m *state) {
		keys := m.Keys().ToSlice()
		sort.Strings(keys)
		for _, k := range keys {
			ms, _, _ := m.Get(k)
			names := ms.Members().ToSlice()
			sort.Strings(names)
			fmt.Printf("%s: %s\n", k, strings.Join(names, ", "))
		}
	})
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
