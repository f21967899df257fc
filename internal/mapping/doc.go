// Package mapping converts FHEM readings into normalized characteristic values
// and normalized values back into FHEM set commands.
//
// A Mapping binds one characteristic (On, Brightness, CurrentTemperature, ...)
// to one FHEM reading and carries the declarative rules that govern the
// conversion in both directions: value tables, thresholds, scaling, clamping,
// stepping, inversion and the bool/int/float/string format.
//
// # Architecture
//
//	                 raw "on"                         normalized true
//	FHEM reading ─────────────▶ Engine.ToNormalized ─────────────────▶ subscriber
//	                                 │
//	                                 ▼
//	                          Converter (strategy)
//	                          ├── rules: built-in pipeline
//	                          └── funcs: registered Go functions
//
//	caller value ─▶ Engine.ToRaw ─▶ Command{Text: "set lamp on"} ─▶ dispatcher
//
// # Key Types
//
//   - Rules: the declarative, serialisable part of a mapping
//   - Mapping: prepared rules plus the last normalized value
//   - Set: all mappings of one device keyed by characteristic
//   - Engine: applies mappings in both directions
//   - Funcs: named custom conversions referenced from rules
//
// # Usage
//
//	set, err := mapping.ParseHomebridge("On:state Brightness:pct,cmd=pct")
//	if err != nil {
//	    return err
//	}
//	engine := mapping.NewEngine(log)
//	for _, m := range set.All() {
//	    m.Prepare("lamp", funcs, log)
//	}
//	v, ok := engine.ToNormalized(set.First("On"), "on") // true, true
package mapping
