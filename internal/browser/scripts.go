package browser

import (
	"encoding/json"
	"fmt"
)

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func queryBySuffixJS(tag, suffix string) string {
	return fmt.Sprintf(`Array.from(document.getElementsByTagName(%s))
	.filter(e => e.id && e.id.endsWith(%s))
	.map(e => e.id)`, jsString(tag), jsString(suffix))
}

func hasElementJS(id string) string {
	return fmt.Sprintf(`document.getElementById(%s) !== null`, jsString(id))
}

const dispatchJS = `el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));`

func setValueJS(id, value string, clearReadonly bool) string {
	return fmt.Sprintf(`(() => {
	const el = document.getElementById(%s);
	if (!el) return false;
	if (%t) { el.removeAttribute('readonly'); el.readOnly = false; }
	el.focus();
	el.value = %s;
	%s
	return true;
})()`, jsString(id), clearReadonly, jsString(value), dispatchJS)
}

// selectValueJS selects by option value, then by option text ignoring case.
func selectValueJS(id, value string) string {
	return fmt.Sprintf(`(() => {
	const el = document.getElementById(%s);
	if (!el) return "missing";
	const want = %s;
	const opts = Array.from(el.options || []);
	let opt = opts.find(o => o.value === want);
	if (!opt) opt = opts.find(o => o.text.trim().toLowerCase() === want.trim().toLowerCase());
	if (!opt) return "nooption";
	el.value = opt.value;
	%s
	return "ok";
})()`, jsString(id), jsString(value), dispatchJS)
}

func clickJS(id string) string {
	return fmt.Sprintf(`(() => {
	const el = document.getElementById(%s);
	if (!el) return false;
	el.click();
	return true;
})()`, jsString(id))
}

const controlsSelector = `button, input[type=submit], input[type=button], input[type=reset], input[type=image], a, [role=button]`

// controlsJS lists visible enabled controls. Index is the position among all
// controlsSelector matches so clickControlJS can find the same element again.
var controlsJS = fmt.Sprintf(`Array.from(document.querySelectorAll(%s))
	.map((e, i) => ({
		index: i,
		id: e.id || "",
		tag: e.tagName.toLowerCase(),
		label: (e.innerText || e.value || e.getAttribute('aria-label') || e.title || "").trim(),
		visible: !e.disabled && (e.offsetParent !== null || e.getClientRects().length > 0),
	}))
	.filter(c => c.visible)`, jsString(controlsSelector))

func clickControlJS(index int) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelectorAll(%s)[%d];
	if (!el) return false;
	el.click();
	return true;
})()`, jsString(controlsSelector), index)
}
