// Package texts renders every chat message the bot sends. Keeping the
// wording in one place mirrors how prompts chain together in the
// conversation flow.
package texts

import (
	"fmt"
	"time"
)

// Greeting opens a freshly paired conversation.
func Greeting(priceBytes int64) string {
	return fmt.Sprintf(
		"Here you can attest your social account.\n\n"+
			"The price of attestation is %s. The payment is nonrefundable even if the attestation fails for any reason.\n\n"+
			"You need to grant access to your account data.\n\n"+
			"After you successfully complete attestation for the first time, you receive a reward depending on your account karma.",
		FormatGB(priceBytes))
}

// RewardEligibility tells the user what their karma currently earns.
func RewardEligibility(rewardUSD float64) string {
	return fmt.Sprintf(
		"After you successfully complete attestation for the first time, you receive a $%.2f reward.",
		rewardUSD)
}

// ReferralProgram reminds the user rewards also flow to referrers.
func ReferralProgram() string {
	return "Remember, we have a referral program: if you fund a new user who is not attested yet, " +
		"and they use those funds to pay for a successful attestation, " +
		"you receive a reward depending on their account karma."
}

// AllowAccess sends the OAuth link carrying the signed state token.
func AllowAccess(authURL, state string) string {
	return fmt.Sprintf("Please click the URL to grant access to your account data: %s?state=%s", authURL, state)
}

// UsedTheSameIdentity is the no-op response for a repeated assertion.
func UsedTheSameIdentity(name string) string {
	return fmt.Sprintf("You are already using the account: %s", name)
}

// ConfirmIdentity asks the user to confirm a pending binding.
func ConfirmIdentity(name string) string {
	return fmt.Sprintf("Please confirm that this is your account: %s\n\n[yes](command:yes)\t[no](command:no)", name)
}

// IdentityConfirmed acknowledges an accepted binding.
func IdentityConfirmed(name string) string {
	return fmt.Sprintf("Your account %s was confirmed and will be used for attestation.", name)
}

// IdentityRejected acknowledges a rejected binding.
func IdentityRejected(name string) string {
	return fmt.Sprintf("Account %s was not confirmed.", name)
}

// InsertMyAddress asks for the payment address to attest.
func InsertMyAddress() string {
	return "Please send me your address that you wish to attest (click ... and Insert my address). " +
		"Make sure you are in a single-address wallet. If you don't have a single-address wallet, " +
		"please add one and fund it with the amount sufficient to pay for the attestation."
}

// GoingToAttest acknowledges a submitted payment address.
func GoingToAttest(address string) string {
	return fmt.Sprintf("Thanks, going to attest your address: %s.", address)
}

// PrivateOrPublic asks for the attestation visibility choice.
func PrivateOrPublic() string {
	return "Store your account data privately in your wallet (recommended) or post it publicly?\n\n" +
		"[private](command:private)\t[public](command:public)"
}

// PrivateChosen confirms the private choice.
func PrivateChosen() string {
	return "Your account data will be kept private and stored in your wallet.\n" +
		"Click [public](command:public) now if you changed your mind."
}

// PublicChosen confirms the public choice.
func PublicChosen() string {
	return "Your account data will be posted into the public database and will be available for everyone.\n" +
		"Click [private](command:private) now if you changed your mind."
}

// PleasePay requests the attestation fee.
func PleasePay(receivingAddress string, priceBytes int64) string {
	return fmt.Sprintf("Please pay for the attestation: %d bytes to %s.", priceBytes, receivingAddress)
}

// PleasePayOrPrivacy asks for payment, or for the visibility choice when it
// is still unset.
func PleasePayOrPrivacy(receivingAddress string, priceBytes int64, postPublicly *bool) string {
	if postPublicly == nil {
		return PrivateOrPublic()
	}
	return PleasePay(receivingAddress, priceBytes)
}

// SwitchToSingleAddress explains the single-signer requirement.
func SwitchToSingleAddress() string {
	return "Make sure you are in a single-address wallet, otherwise switch to a single-address wallet " +
		"or create one and send me your address before paying."
}

// WrongAsset rejects a payment in anything but the native asset.
func WrongAsset() string {
	return "Received payment in wrong asset"
}

// Underpaid rejects a payment below the quoted price and asks for the rest.
func Underpaid(receivedAmount, priceBytes int64, receivingAddress string) string {
	return fmt.Sprintf(
		"Received %d bytes from you, which is less than the expected %d bytes. Please pay the remaining %d bytes to %s.",
		receivedAmount, priceBytes, priceBytes-receivedAmount, receivingAddress)
}

// NotFromSingleAddress rejects a multi-signer payment.
func NotFromSingleAddress() string {
	return "Received a payment but it was not sent from a single-address wallet. " + SwitchToSingleAddress()
}

// NotFromExpectedAddress rejects a payment signed by the wrong address.
func NotFromExpectedAddress(expected string) string {
	return fmt.Sprintf("Received a payment but it was not sent from the expected address %s. %s",
		expected, SwitchToSingleAddress())
}

// ReceivedYourPayment acknowledges an accepted, still unconfirmed payment.
func ReceivedYourPayment(amountBytes int64) string {
	return fmt.Sprintf("Received your payment of %s, waiting for confirmation. It should take 5-10 minutes.",
		FormatGB(amountBytes))
}

// PaymentIsConfirmed announces finality.
func PaymentIsConfirmed() string {
	return "Your payment is confirmed."
}

// InAttestation tells the user the attestation is being posted.
func InAttestation() string {
	return "You are in attestation. Please wait."
}

// AlreadyAttested reports a completed attestation.
func AlreadyAttested(attestedAt time.Time) string {
	return fmt.Sprintf("You were already attested at %s UTC. Attest [again](command:again)?",
		attestedAt.UTC().Format("2006-01-02 15:04:05"))
}

// FirstTimeBonus announces the welcome reward.
func FirstTimeBonus(rewardUSD float64, amountBytes int64) string {
	return fmt.Sprintf(
		"You requested an attestation for the first time and will receive a welcome bonus of $%.2f (%s) from the distribution fund.",
		rewardUSD, FormatGB(amountBytes))
}

// ReferralBonus announces the referrer reward.
func ReferralBonus(rewardUSD float64, amountBytes int64) string {
	return fmt.Sprintf(
		"You referred a user who has just verified their identity and will receive a reward of $%.2f (%s) from the distribution fund. "+
			"Thank you for bringing in a new user!",
		rewardUSD, FormatGB(amountBytes))
}

// FormatGB renders a byte amount in gigabytes.
func FormatGB(amountBytes int64) string {
	return fmt.Sprintf("%.9g GB", float64(amountBytes)/1e9)
}
