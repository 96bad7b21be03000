package users

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"gorm.io/datatypes"
)

func TestUpdateFromProfileIsIdempotent(t *testing.T) {
	profiles := newFakeProfileStore()
	recorder := &recordingRecorder{}
	service := newTestService(t, profiles, nil)
	service.recorder = recorder
	ctx := context.Background()
	account := insertUser(t, service, User{Username: "old", ExternalID: stringPointer("auth0|1"), Password: UnusablePassword()})
	profiles.profiles["auth0|1"] = map[string]any{
		"email":          "grace@example.com",
		"name":           "Grace Hopper",
		"nickname":       "grace",
		"email_verified": true,
	}

	changed, err := account.UpdateFromProfile(ctx)
	if err != nil {
		t.Fatalf("first reconciliation failed: %v", err)
	}
	expected := []string{"email", "name", "email_verified", "username"}
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("unexpected changed fields: %v", changed)
	}

	account.InvalidateProfile()
	changed, err = account.UpdateFromProfile(ctx)
	if err != nil {
		t.Fatalf("second reconciliation failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no changes on second pass, got %v", changed)
	}
	if profiles.gets != 2 {
		t.Fatalf("expected a fresh fetch per pass, got %d", profiles.gets)
	}

	stored, err := service.Load(ctx, account.ID())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Username() != "grace" || stored.Name() != "Grace Hopper" || !stored.EmailVerified() {
		t.Fatalf("expected reconciled columns to persist, got %#v", stored.Record())
	}
	if len(recorder.fields) != 2 {
		t.Fatalf("expected both passes recorded, got %d", len(recorder.fields))
	}
}

func TestUpdateFromProfileTreatsEmailNameAsBlank(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, User{
		Username:   "kim",
		Name:       "Kim",
		Email:      "kim@example.com",
		ExternalID: stringPointer("auth0|2"),
		Password:   UnusablePassword(),
	})
	profiles.profiles["auth0|2"] = map[string]any{"email": "kim@example.com", "name": "kim@example.com"}

	changed, err := account.UpdateFromProfile(context.Background())
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"name"}) || account.Name() != "" {
		t.Fatalf("expected placeholder name to clear local name, got %v and %q", changed, account.Name())
	}
}

func TestUpdateFromProfileNeverDemotesVerification(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	user := providerUser("lee", "auth0|3")
	user.EmailVerified = true
	account := insertUser(t, service, user)
	profiles.profiles["auth0|3"] = map[string]any{"email": user.Email, "email_verified": false}

	changed, err := account.UpdateFromProfile(context.Background())
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if len(changed) != 0 || !account.EmailVerified() {
		t.Fatalf("expected verification to stay promoted, got %v verified=%v", changed, account.EmailVerified())
	}
}

func TestUpdateFromProfileRegeneratesUsernameOnEmailChange(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	insertUser(t, service, User{Username: "max", Password: "!"})
	account := insertUser(t, service, providerUser("maxine", "auth0|4"))
	profiles.profiles["auth0|4"] = map[string]any{"email": "new@example.com", "nickname": "max"}

	changed, err := account.UpdateFromProfile(context.Background())
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"email", "username"}) {
		t.Fatalf("unexpected changed fields: %v", changed)
	}
	if account.Username() != "max1" {
		t.Fatalf("expected collision-free username, got %q", account.Username())
	}
}

func TestUpdateFromProfileUsesOverride(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	override, err := json.Marshal(map[string]any{"email": "override@example.com", "name": "Override"})
	if err != nil {
		t.Fatalf("marshal override: %v", err)
	}
	user := providerUser("ovr", "auth0|5")
	user.ProfileOverride = datatypes.JSON(override)
	account := insertUser(t, service, user)

	if _, err := account.UpdateFromProfile(context.Background()); err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if profiles.gets != 0 {
		t.Fatalf("expected override to replace the remote fetch")
	}
	if account.Email() != "override@example.com" || account.Name() != "Override" {
		t.Fatalf("unexpected record after override reconciliation: %#v", account.Record())
	}
}

func TestUpdateFromProfileUnsupportedForLocalAccounts(t *testing.T) {
	service := newTestService(t, newFakeProfileStore(), nil)
	account := insertUser(t, service, User{Username: "local", Password: mustHash(t, "local-password")})
	if _, err := account.UpdateFromProfile(context.Background()); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestUpdateAddressUnsupportedWithoutExternalID(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, User{Username: "local", Password: mustHash(t, "local-password")})

	_, err := account.UpdateAddress(context.Background(), map[string]string{"street": "Kew Road"})
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
	if err := account.DeleteAddress(context.Background()); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation from delete, got %v", err)
	}
	if len(profiles.updates) != 0 {
		t.Fatalf("expected no remote writes")
	}
}

func TestUpdateAddressMergesSuppliedFields(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("holmes", "auth0|6"))
	profiles.profiles["auth0|6"] = map[string]any{
		"user_metadata": map[string]any{
			"newsletter": true,
			"addresses": []any{map[string]any{
				"Id":            float64(7),
				"AddressType":   float64(1),
				"RecipientName": "Sherlock Holmes",
				"HouseNameNo":   "221B",
				"Street":        "Baker Street",
				"Town":          "London",
				"Country":       "UK",
				"Postcode":      "NW1 6XE",
			}},
		},
	}

	address, err := account.UpdateAddress(context.Background(), map[string]string{"postcode": "NW1 6XF", "colour": "red"})
	if err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}
	if address.Postcode != "NW1 6XF" || address.Street != "Baker Street" || address.ID != 7 {
		t.Fatalf("expected only postcode to change, got %#v", address)
	}

	if len(profiles.updates) != 1 {
		t.Fatalf("expected one remote write, got %d", len(profiles.updates))
	}
	metadata, ok := profiles.updates[0]["user_metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected user_metadata patch, got %#v", profiles.updates[0])
	}
	if metadata["newsletter"] != true {
		t.Fatalf("expected other metadata keys to be preserved, got %#v", metadata)
	}
	stored, ok := metadata["addresses"].([]any)
	if !ok || len(stored) != 1 {
		t.Fatalf("expected a single stored address, got %#v", metadata["addresses"])
	}
	written, ok := stored[0].(map[string]any)
	if !ok || written["Town"] != "London" || written["Postcode"] != "NW1 6XF" {
		t.Fatalf("unexpected stored address %#v", stored[0])
	}
}

func TestUpdateAddressKeepsAdditionalAddresses(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("watson", "auth0|26"))
	secondary := map[string]any{
		"Id":            float64(2),
		"AddressType":   float64(2),
		"RecipientName": "John Watson",
		"HouseNameNo":   "Surgery",
		"Street":        "Paddington Green",
		"Town":          "London",
		"Country":       "UK",
		"Postcode":      "W2 1LG",
	}
	profiles.profiles["auth0|26"] = map[string]any{
		"user_metadata": map[string]any{
			"addresses": []any{
				map[string]any{
					"Id":            float64(1),
					"AddressType":   float64(1),
					"RecipientName": "John Watson",
					"HouseNameNo":   "221B",
					"Street":        "Baker Street",
					"Town":          "London",
					"Country":       "UK",
					"Postcode":      "NW1 6XE",
				},
				secondary,
			},
		},
	}

	if _, err := account.UpdateAddress(context.Background(), map[string]string{"town": "Westminster"}); err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}

	metadata, _ := profiles.updates[0]["user_metadata"].(map[string]any)
	stored, ok := metadata["addresses"].([]any)
	if !ok || len(stored) != 2 {
		t.Fatalf("expected both addresses to be stored, got %#v", metadata["addresses"])
	}
	primary, _ := stored[0].(map[string]any)
	if primary["Town"] != "Westminster" || primary["Street"] != "Baker Street" {
		t.Fatalf("unexpected primary address %#v", stored[0])
	}
	kept, _ := stored[1].(map[string]any)
	if kept["Street"] != "Paddington Green" || kept["Town"] != "London" {
		t.Fatalf("expected the second address untouched, got %#v", stored[1])
	}
}

func TestUpdateAddressInitializesMissingAddress(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("watson", "auth0|7"))

	address, err := account.UpdateAddress(context.Background(), map[string]string{"town": "London"})
	if err != nil {
		t.Fatalf("UpdateAddress failed: %v", err)
	}
	if address.ID != 1 || address.AddressType != 1 || address.Town != "London" {
		t.Fatalf("unexpected initialized address %#v", address)
	}
}

func TestUpdateAddressValidatesBeforeRemoteCalls(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("val", "auth0|8"))

	_, err := account.UpdateAddress(context.Background(), map[string]string{"postcode": "THIS POSTCODE IS FAR TOO LONG"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "postcode" {
		t.Fatalf("expected postcode validation error, got %v", err)
	}
	if profiles.gets != 0 || len(profiles.updates) != 0 {
		t.Fatalf("expected no remote calls before validation passes")
	}
}

func TestDeleteAddressWritesEmptyList(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("del", "auth0|9"))
	profiles.profiles["auth0|9"] = map[string]any{
		"user_metadata": map[string]any{"addresses": []any{map[string]any{"Town": "Kew"}}},
	}

	if err := account.DeleteAddress(context.Background()); err != nil {
		t.Fatalf("DeleteAddress failed: %v", err)
	}
	_, present, err := account.Address(context.Background())
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if present {
		t.Fatalf("expected address to be gone after delete")
	}
}

func TestUpdateNamePersistsLocallyBeforeRemote(t *testing.T) {
	profiles := newFakeProfileStore()
	profiles.updateErr = errProviderDown
	service := newTestService(t, profiles, nil)
	ctx := context.Background()
	account := insertUser(t, service, providerUser("ren", "auth0|10"))

	err := account.UpdateName(ctx, "Ren Example")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Field != "name" {
		t.Fatalf("expected SyncError for name, got %v", err)
	}
	if !errors.Is(err, errProviderDown) {
		t.Fatalf("expected the provider failure to be wrapped")
	}
	stored, err := service.Load(ctx, account.ID())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Name() != "Ren Example" {
		t.Fatalf("expected local commit to survive the remote failure, got %q", stored.Name())
	}
}

func TestUpdateNameSendsEmailForBlankName(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	user := providerUser("blank", "auth0|11")
	user.Name = "Someone"
	account := insertUser(t, service, user)

	if err := account.UpdateName(context.Background(), ""); err != nil {
		t.Fatalf("UpdateName failed: %v", err)
	}
	if len(profiles.updates) != 1 || profiles.updates[0]["name"] != user.Email {
		t.Fatalf("expected email placeholder for blank name, got %#v", profiles.updates)
	}
	if err := account.UpdateName(context.Background(), ""); err != nil {
		t.Fatalf("repeat UpdateName failed: %v", err)
	}
	if len(profiles.updates) != 1 {
		t.Fatalf("expected unchanged name to be a no-op")
	}
}

func TestUpdateEmailVerificationRules(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	ctx := context.Background()
	user := providerUser("case", "auth0|12")
	user.Email = "Case@Example.com"
	user.EmailVerified = true
	account := insertUser(t, service, user)

	if err := account.UpdateEmail(ctx, "case@example.com"); err != nil {
		t.Fatalf("case-only UpdateEmail failed: %v", err)
	}
	if !account.EmailVerified() {
		t.Fatalf("expected case-only correction to keep verification")
	}
	if err := account.UpdateEmail(ctx, "other@example.com"); err != nil {
		t.Fatalf("UpdateEmail failed: %v", err)
	}
	if account.EmailVerified() {
		t.Fatalf("expected a new address to reset verification")
	}
	last := profiles.updates[len(profiles.updates)-1]
	if last["email"] != "other@example.com" || last["email_verified"] != false {
		t.Fatalf("unexpected remote patch %#v", last)
	}
	if err := account.UpdateEmail(ctx, "other@example.com"); err != nil {
		t.Fatalf("repeat UpdateEmail failed: %v", err)
	}
	if len(profiles.updates) != 2 {
		t.Fatalf("expected unchanged email to be a no-op, got %d writes", len(profiles.updates))
	}
}

func TestUpdateEmailRejectsInvalidAddress(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	account := insertUser(t, service, providerUser("bad", "auth0|13"))
	err := account.UpdateEmail(context.Background(), "not-an-email")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(profiles.updates) != 0 {
		t.Fatalf("expected no remote write for invalid input")
	}
}

func TestCheckPasswordLocalHash(t *testing.T) {
	checker := &fakeCredentialChecker{}
	service := newTestService(t, nil, checker)
	account := insertUser(t, service, User{Username: "local", Password: mustHash(t, "local-password")})

	ok, err := account.CheckPassword(context.Background(), "local-password")
	if err != nil || !ok {
		t.Fatalf("expected local password to verify, got %v %v", ok, err)
	}
	ok, err = account.CheckPassword(context.Background(), "wrong-password")
	if err != nil || ok {
		t.Fatalf("expected wrong password to fail, got %v %v", ok, err)
	}
	if len(checker.calls) != 0 {
		t.Fatalf("expected no remote credential check")
	}
}

func TestCheckPasswordHybridStaysLocal(t *testing.T) {
	checker := &fakeCredentialChecker{result: false}
	service := newTestService(t, newFakeProfileStore(), checker)
	user := providerUser("hybrid", "auth0|14")
	user.Password = mustHash(t, "migrated-password")
	account := insertUser(t, service, user)
	if account.Provenance() != ProvenanceHybrid {
		t.Fatalf("expected hybrid provenance, got %s", account.Provenance())
	}
	ok, err := account.CheckPassword(context.Background(), "migrated-password")
	if err != nil || !ok {
		t.Fatalf("expected hybrid account to verify locally, got %v %v", ok, err)
	}
}

func TestCheckPasswordDelegatesToProviderConnection(t *testing.T) {
	profiles := newFakeProfileStore()
	checker := &fakeCredentialChecker{result: true}
	service := newTestService(t, profiles, checker)
	account := insertUser(t, service, providerUser("remote", "auth0|15"))
	profiles.profiles["auth0|15"] = map[string]any{
		"identities": []any{map[string]any{"connection": "members", "isSocial": false}},
	}

	ok, err := account.CheckPassword(context.Background(), "remote-password")
	if err != nil || !ok {
		t.Fatalf("expected remote check to pass, got %v %v", ok, err)
	}
	if !reflect.DeepEqual(checker.calls, []string{"remote@example.com|remote-password|members"}) {
		t.Fatalf("unexpected credential check calls %v", checker.calls)
	}
}

func TestCheckPasswordUnsupportedWithoutConnection(t *testing.T) {
	service, err := NewService(ServiceConfig{
		Database:     openTestDatabase(t),
		Profiles:     newFakeProfileStore(),
		Credentials:  &fakeCredentialChecker{},
		PasswordCost: 4,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	account := insertUser(t, service, providerUser("noconn", "auth0|16"))

	if _, err := account.CheckPassword(context.Background(), "whatever-password"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestCheckPasswordUnsupportedForSocialAccounts(t *testing.T) {
	checker := &fakeCredentialChecker{}
	service := newTestService(t, newFakeProfileStore(), checker)
	user := providerUser("social", "google-oauth2|17")
	user.IsSocial = true
	account := insertUser(t, service, user)

	if _, err := account.CheckPassword(context.Background(), "whatever-password"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
	if len(checker.calls) != 0 {
		t.Fatalf("expected no remote credential check")
	}
}

func TestUpdatePasswordRoutesByProvenance(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	ctx := context.Background()

	local := insertUser(t, service, User{Username: "local", Password: mustHash(t, "old-password")})
	if err := local.UpdatePassword(ctx, "new-password"); err != nil {
		t.Fatalf("local UpdatePassword failed: %v", err)
	}
	if ok, _ := local.CheckPassword(ctx, "new-password"); !ok {
		t.Fatalf("expected new local password to verify")
	}

	remote := insertUser(t, service, providerUser("remote", "auth0|18"))
	if err := remote.UpdatePassword(ctx, "new-password"); err != nil {
		t.Fatalf("remote UpdatePassword failed: %v", err)
	}
	if len(profiles.updates) != 1 || profiles.updates[0]["password"] != "new-password" {
		t.Fatalf("expected password forwarded to provider, got %#v", profiles.updates)
	}
	if IsUsablePassword(remote.Record().Password) {
		t.Fatalf("expected provider-backed local password to stay unusable")
	}
}

func TestResendVerificationEmail(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	ctx := context.Background()

	local := insertUser(t, service, User{Username: "local", Password: mustHash(t, "local-password")})
	if err := local.ResendVerificationEmail(ctx); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}

	remote := insertUser(t, service, providerUser("remote", "auth0|19"))
	if err := remote.ResendVerificationEmail(ctx); err != nil {
		t.Fatalf("ResendVerificationEmail failed: %v", err)
	}
	profiles.verifyErr = errProviderDown
	if err := remote.ResendVerificationEmail(ctx); !errors.Is(err, errProviderDown) {
		t.Fatalf("expected provider failure to surface, got %v", err)
	}
	if !reflect.DeepEqual(profiles.verifications, []string{"auth0|19", "auth0|19"}) {
		t.Fatalf("unexpected verification jobs %v", profiles.verifications)
	}
}

func TestProfileCacheInvalidation(t *testing.T) {
	profiles := newFakeProfileStore()
	service := newTestService(t, profiles, nil)
	ctx := context.Background()
	account := insertUser(t, service, providerUser("cache", "auth0|20"))

	for i := 0; i < 3; i++ {
		if _, err := account.Profile(ctx); err != nil {
			t.Fatalf("Profile failed: %v", err)
		}
	}
	if profiles.gets != 1 {
		t.Fatalf("expected one fetch while cached, got %d", profiles.gets)
	}
	account.InvalidateProfile()
	if _, _, err := account.Address(ctx); err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if profiles.gets != 2 {
		t.Fatalf("expected a refetch after invalidation, got %d", profiles.gets)
	}
}

func TestAssignUsernameAvoidsCollisions(t *testing.T) {
	service := newTestService(t, nil, nil)
	insertUser(t, service, User{Username: "taken", Password: "!"})
	account := insertUser(t, service, User{Username: "mine", Password: "!"})

	username, err := account.AssignUsername(context.Background(), "taken")
	if err != nil {
		t.Fatalf("AssignUsername failed: %v", err)
	}
	if username != "taken1" || account.Username() != "taken1" {
		t.Fatalf("expected suffixed username, got %q", username)
	}
}
