// Package attribute holds the last known raw value of every FHEM reading and
// fans changes out to interested mappings.
//
// The Cache is the single source of truth for raw values. Update stores a
// value, stamps the change time and, only when the value differs from the
// stored one, notifies the Registry. The Registry converts the raw value
// through each subscribed mapping and calls the owner's callback with the
// normalized result.
//
// Derived attributes (hue, saturation and brightness computed from xy or ct
// readings of colour lights) are produced by an explicit Derivation list that
// runs once after each primary update. Derived ids never feed other
// derivations, so a chain always terminates after one step.
//
// Updates to the same attribute id are serialised: the store and the
// fan-out of one update complete before the next update of that id starts.
// Updates to different ids run concurrently.
package attribute
