// Package config provides configuration types and loading for the
// gateway.
//
// The configuration model follows a resource layout (apiVersion, kind,
// metadata, spec). Files are YAML with ${VAR:-default} environment
// substitution and are decoded on top of DefaultConfig, so a file only
// needs to state what differs from the built-in backend table and
// gating policy.
//
//	cfg, err := config.LoadConfig("configs/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// A Watcher reloads the file on change and reports which sections
// differ from the configuration in effect. HotReloadable tells the
// gating policy (rate-limit rules, exempt paths, cache policy, store
// failure policy) apart from sections that need a restart.
package config
