// Package albatross is a runtime instrumentation framework. It replaces
// methods of a managed host at runtime, loads injector bundles into target
// processes and exposes a framed RPC endpoint through which a privileged
// system process reports process launches to subscribed controllers.
//
// Key Features:
//   - Version-aware field and method binding across host layouts
//   - Hook installation with nested transactions and rollback
//   - Injector registry driving controllers around application creation
//   - Principal-based process launch interception
//   - Compact binary RPC with peer credentials and broadcast fan-out
//   - Optional gRPC gateway, hot-reloaded intercept rules and a sqlite event journal
//   - Structured logging and Prometheus metrics
//
// Basic Usage:
//
//	rt, err := albatross.NewRuntime(albatross.DefaultConfig(), albatross.RuntimeOptions{
//		Host:   host, // implements albatross.HostServices
//		Layout: layout,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Stop()
//
//	// From a controller process:
//	client, err := albatross.DialEndpoint(ctx, cfg.Endpoint, albatross.SystemServerAPI, albatross.ClientOptions{})
//	sub, err := client.Subscribe(ctx, map[string]albatross.BroadcastHandler{
//		albatross.BroadcastLaunchProcess: albatross.LaunchProcessHandler(func(ev albatross.LaunchEvent) error {
//			log.Printf("launched %s (pid %d)", ev.Process, ev.PID)
//			return nil
//		}),
//	})
//
// Hooks:
// A Patcher performs the native method replacement. DispatchTable is the
// in-process implementation: hosts route calls through it and hooks replace
// its slots. HookInstaller groups installs into transactions so that a failed
// initialization can be rolled back as a whole.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package albatross
