package autorelease

import "sync/atomic"

const (
	refHeld int32 = iota
	// refReleased ownership given back through the policy
	refReleased
	// refNullified ownership abandoned without running the policy
	refNullified
)

type (
	// Object is a reference-counted value whose lifetime the queue can prolong.
	Object interface {
		// Retain adds one strong reference.
		Retain()
		// FinalRelease drops one strong reference and destroys the object when
		// the count reaches zero.
		FinalRelease()
		// UID is a stable identifier used for diagnostics.
		UID() uint64
	}

	// LifetimePolicy decides how an owned reference acquires and gives back its
	// share of an object.
	LifetimePolicy interface {
		Retain(obj Object)
		Release(obj Object)
	}

	// Handle is the raw numeric identifier the legacy persisted format stored.
	Handle uint64

	// Registry maps handles to live objects. The queue only consults it when
	// loading legacy state.
	Registry interface {
		Resolve(h Handle) (Object, bool)
	}

	// objectLifetimePolicy is the default policy: Retain on acquire, FinalRelease on release.
	objectLifetimePolicy struct{}

	// ownedRef is one unit of ownership over obj. It leaves the held state
	// exactly once, either by release or by nullify.
	ownedRef struct {
		obj    Object
		policy LifetimePolicy
		// use atomic operations
		state int32
	}
)

func (objectLifetimePolicy) Retain(obj Object) {
	obj.Retain()
}

func (objectLifetimePolicy) Release(obj Object) {
	obj.FinalRelease()
}

// newOwnedRef retains obj through policy and returns the owning reference.
func newOwnedRef(obj Object, policy LifetimePolicy) *ownedRef {
	policy.Retain(obj)
	return &ownedRef{obj: obj, policy: policy}
}

// object returns the referenced object, or nil once the ref no longer owns it.
func (r *ownedRef) object() Object {
	if atomic.LoadInt32(&r.state) != refHeld {
		return nil
	}
	return r.obj
}

// held reports whether the ref still owns its object.
func (r *ownedRef) held() bool {
	return atomic.LoadInt32(&r.state) == refHeld
}

// release gives the reference back through the policy.
// Returns false if the ref was already released or nullified.
func (r *ownedRef) release() bool {
	if !atomic.CompareAndSwapInt32(&r.state, refHeld, refReleased) {
		return false
	}

	r.policy.Release(r.obj)
	return true
}

// nullify abandons ownership without calling the policy.
// Returns false if the ref was already released or nullified.
func (r *ownedRef) nullify() bool {
	return atomic.CompareAndSwapInt32(&r.state, refHeld, refNullified)
}
