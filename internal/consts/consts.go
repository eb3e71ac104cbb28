package consts

const (
	// WebhookQueue carries parsed registry push events from the API process
	// to the rollout monitor for planning.
	WebhookQueue = "webhook-intake"
)
