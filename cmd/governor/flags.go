package main

// funcVar implements flag.Value by delegating Set to an arbitrary
// function, the way the pack's daemons wire one-off flags (config paths,
// repeated overrides) without a dedicated named type per flag.
type funcVar func(s string) error

func (f funcVar) Set(s string) error { return f(s) }
func (f funcVar) String() string     { return "" }
func (f funcVar) IsBoolFlag() bool   { return false }
