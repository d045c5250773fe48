package bot

// Static message texts, pre-escaped for MarkdownV2.
const (
	greetingText = "👋 *Welcome\\!*\n\n" +
		"I deploy an edge worker with its own panel into your Cloudflare account\\.\n\n" +
		"/automation — guided deployment\n" +
		"/connect — save credentials for one\\-tap deploys\n" +
		"/help — all commands"

	helpText = "*Commands*\n\n" +
		"/automation — start a guided deployment\n" +
		"/connect \\<accountId\\> — store credentials for reuse\n" +
		"/status — account and last deployment\n" +
		"/forget — delete stored credentials\n" +
		"/cancel — abort the current wizard"

	chooseAuthText = "How should I authenticate against Cloudflare\\?\n\n" +
		"An *API Token* with Workers permissions is recommended\\."

	askAccountIDText = `Send me your Cloudflare *account ID*\.`

	askTokenText = `Now send your *API token*\. The message is removed right after I read it\.`

	askTokenConnectText = `Send your *API token* for this account\. The message is removed right after I read it\.`

	askEmailText = `Send the *email address* of your Cloudflare account\.`

	askGlobalKeyText = `Now send your *Global API Key*\. The message is removed right after I read it\.`

	cancelledText = `🚫 Cancelled\. Nothing was deployed\.`
)
