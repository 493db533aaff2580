// ABOUTME: Receiver feature names and negotiation
// ABOUTME: A feature is active when both sides support it or an optional one is accepted
package receiver

import (
	"sort"

	"github.com/Resonate-Protocol/resonate-eq/pkg/protocol"
)

// Feature names as exchanged on the control channel
const (
	FeatureMicroPll     = "MicroPll"
	FeatureCrcVerify    = "CrcVerify"
	FeatureDspTransfer  = "DspTransfer"
	FeatureGapless      = "Gapless"
	FeatureRemoteVolume = "RemoteVolume"
)

// Features is a set of feature names
type Features map[string]struct{}

// NewFeatures builds a set from names
func NewFeatures(names ...string) Features {
	f := make(Features, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

func (f Features) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Without returns a copy of f minus names
func (f Features) Without(names ...string) Features {
	out := make(Features, len(f))
	for n := range f {
		out[n] = struct{}{}
	}
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// List returns the names sorted
func (f Features) List() []string {
	out := make([]string, 0, len(f))
	for n := range f {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DefaultFeatures is what this sender offers. MicroPll and CrcVerify are
// required for a full session; the rest are taken when the receiver has them.
func DefaultFeatures() protocol.FeatureSet {
	return protocol.FeatureSet{
		Supported: []string{FeatureMicroPll, FeatureCrcVerify},
		Optional:  []string{FeatureGapless, FeatureRemoteVolume, FeatureDspTransfer},
	}
}

// Negotiate returns the features both sides support, plus our optional
// features the receiver lists in either of its sets
func Negotiate(local, remote protocol.FeatureSet) Features {
	theirs := NewFeatures(append(append([]string{}, remote.Supported...), remote.Optional...)...)
	remoteSupported := NewFeatures(remote.Supported...)

	active := make(Features)
	for _, n := range local.Supported {
		if remoteSupported.Has(n) {
			active[n] = struct{}{}
		}
	}
	for _, n := range local.Optional {
		if theirs.Has(n) {
			active[n] = struct{}{}
		}
	}
	return active
}

// finalize applies the receiver's session-accept: refused features are
// dropped; when an accepted list is given, only those remain
func finalize(requested Features, accept protocol.SessionAccept) Features {
	out := requested.Without(accept.Refused...)
	if len(accept.Accepted) == 0 {
		return out
	}
	accepted := NewFeatures(accept.Accepted...)
	for n := range out {
		if !accepted.Has(n) {
			delete(out, n)
		}
	}
	return out
}
