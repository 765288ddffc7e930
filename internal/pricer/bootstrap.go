package pricer

// Bootstrap builds a Registry with the built-in product pricers
// registered explicitly. Callers (cmd/worker) invoke this once during
// startup, before the worker loop claims its first task.
func Bootstrap() *Registry {
	r := NewRegistry()
	mustRegister(r, "FIXED_BOND", FixedBondPricer{})
	mustRegister(r, "FX_FWD", FXForwardPricer{})
	return r
}

func mustRegister(r *Registry, productType string, p Pricer) {
	if err := r.Register(productType, p); err != nil {
		panic(err)
	}
}
