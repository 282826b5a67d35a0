// Package zb implements the core of a fast, Homebrew-compatible package
// installer.
//
// It resolves formula dependency graphs, fetches pre-built bottles over
// HTTP with conditional caching and single-flight deduplication, unpacks
// them into a content-addressed store, and materializes and links them
// into a shared prefix. All state needed to make installs idempotent and
// crash-safe lives in a durable metadata store.
//
// Typical usage:
//
//	inst, err := zb.Open(zb.WithRoot("/opt/zb"), zb.WithPrefix("/opt/zb/prefix"))
//	if err != nil {
//		return err
//	}
//	defer inst.Close()
//
//	if err := inst.Install(ctx, []string{"jq"}); err != nil {
//		return err
//	}
//	kegs, err := inst.ListInstalledKegs(ctx)
//	if err != nil {
//		return err
//	}
//	for _, keg := range kegs {
//		fmt.Println(keg.Name, keg.Version)
//	}
//
// Everything under internal/ implements one leaf component from the
// design (metadata store, API client, blob cache, extractor, content
// store, materializer, linker, pipeline). The root package wires them
// together behind Installer and carries no filesystem state of its own.
package zb
