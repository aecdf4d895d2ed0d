// Package backend tracks the backend services behind the gateway and
// selects an instance for each request.
//
// The Registry is built once from configuration and owns every
// instance. Callers only ever see InstanceStatus snapshots; mutation
// goes through GetHealthyInstance (load accounting) and the
// MarkInstance* methods (health), each guarded by a per-service lock.
//
//	registry, err := backend.NewRegistry(cfg.Spec.Backends,
//	    backend.WithBalancer(backend.NewLeastLoadedBalancer()),
//	)
//	inst, err := registry.GetHealthyInstance("payment-service")
//	if errors.Is(err, backend.ErrNoHealthyInstances) {
//	    // answer 503
//	}
//
// A HealthChecker checks every instance out of band and flips its
// health after consecutive successes or failures.
package backend
