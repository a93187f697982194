package format

import (
	"github.com/zeke-tools/kscope/pkg/walk"
)

func f(label string, paths ...string) FieldSpec {
	return FieldSpec{Label: label, Paths: paths}
}

// Builtin returns the shapes of the Zeke kernel records.
func Builtin() []Shape {
	return []Shape{
		{
			Name:    "session",
			Pattern: "^session$",
			Fields: []FieldSpec{
				f("Session leader", "s_leader"),
				{Label: "login", Paths: []string{"s_login"}, Kind: String},
				f("refcount", "s_refcount"),
				{Label: "pgroups", Paths: []string{"s_pgrp_list_head"}, Kind: Queue, Queue: walk.TailQ, Entry: "pg_pgrp_entry_"},
			},
		},
		{
			Name:    "pgrp",
			Pattern: "^pgrp$",
			Fields: []FieldSpec{
				f("pg_id", "pg_id"),
				f("sid", "pg_session->s_leader"),
				f("refcount", "pg_refcount"),
			},
		},
		{
			Name:    "proc_info",
			Pattern: "^proc_info$",
			Fields: []FieldSpec{
				f("PID", "pid"),
				{Label: "name", Paths: []string{"name"}, Kind: String},
				f("state", "state"),
				f("priority", "priority"),
				f("exit_c/s", "exit_code", "exit_signal"),
				f("parent", "inh.parent->pid"),
				f("main thread", "main_thread->id"),
				f("pgrp", "pgrp->pg_id"),
			},
		},
		{
			Name:    "thread_info",
			Pattern: "^thread_info$",
			Fields: []FieldSpec{
				f("id", "id"),
				f("state", "sched.state"),
				f("flags", "flags"),
				f("policy", "param.sched_policy"),
				f("policy_flags", "sched.policy_flags"),
				f("priority", "param.sched_priority"),
				f("pid_owner", "pid_owner"),
			},
		},
		{
			Name:    "mtx",
			Pattern: "^mtx(_t)?$",
			Fields: []FieldSpec{
				f("type", "mtx_type"),
				f("flags", "mtx_flags"),
				f("lock", "mtx_lock"),
			},
		},
		{
			Name:    "sigset",
			Pattern: "^(sigset_t|__sigset)$",
			Fields: []FieldSpec{
				{Paths: []string{"__bits"}, Kind: BitSet},
			},
		},
		{
			Name:    "ksiginfo",
			Pattern: "^ksiginfo$",
			Fields: []FieldSpec{
				f("signo", "siginfo.si_signo"),
				f("code", "siginfo.si_code"),
				f("pid", "siginfo.si_pid"),
			},
		},
	}
}
