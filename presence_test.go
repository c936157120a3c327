package talentwire

import "testing"

func TestPresenceSeedTakesCounterpartOnly(t *testing.T) {
	tracker := NewPresenceTracker(ActorUser, nil)
	tracker.Seed([]Conversation{
		{ID: "c1", User: Participant{ID: "42", Online: true}, Company: Participant{ID: "7", Online: true}},
		{ID: "c2", User: Participant{ID: "42", Online: true}, Company: Participant{ID: "8", Online: false}},
	})

	if !tracker.IsOnline(ActorCompany, "7") {
		t.Error("company 7 should be online")
	}
	if tracker.IsOnline(ActorCompany, "8") {
		t.Error("company 8 should be offline")
	}
	// The local side's own type is never tracked, even if it appears in the
	// snapshot.
	if tracker.IsOnline(ActorUser, "42") {
		t.Error("own-type actor must read as offline")
	}
}

func TestPresenceApplyTransitions(t *testing.T) {
	tracker := NewPresenceTracker(ActorCompany, nil)

	tracker.Apply(ActorUser, "42", true)
	if !tracker.IsOnline(ActorUser, "42") {
		t.Error("user 42 should be online after online event")
	}
	tracker.Apply(ActorUser, "42", false)
	if tracker.IsOnline(ActorUser, "42") {
		t.Error("user 42 should be offline after offline event")
	}
}

func TestPresenceIgnoresSameTypeEvents(t *testing.T) {
	tracker := NewPresenceTracker(ActorUser, nil)

	// A user session receives an event about another user; it must not leak
	// into the counterpart roster under the same id.
	tracker.Apply(ActorUser, "99", true)
	if tracker.IsOnline(ActorUser, "99") {
		t.Error("same-type event was tracked")
	}
	if tracker.IsOnline(ActorCompany, "99") {
		t.Error("same-type event leaked into the counterpart roster")
	}
}

func TestPresenceUnknownActorReadsOffline(t *testing.T) {
	tracker := NewPresenceTracker(ActorUser, nil)
	if tracker.IsOnline(ActorCompany, "nobody") {
		t.Error("unknown actor should read as offline")
	}
}

func TestPresenceSeedResetsStaleEntries(t *testing.T) {
	tracker := NewPresenceTracker(ActorUser, nil)
	tracker.Apply(ActorCompany, "7", true)
	// A reseed is the recovery path for missed offline events.
	tracker.Seed([]Conversation{
		{ID: "c1", User: Participant{ID: "42"}, Company: Participant{ID: "7", Online: false}},
	})
	if tracker.IsOnline(ActorCompany, "7") {
		t.Error("reseed should have marked company 7 offline")
	}
}
