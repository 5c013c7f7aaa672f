package docker

// The wrappers read `{"code": ..., "input": ...}` from stdin, load the program,
// call its `run(input)` function and write `{"ok": ..., "output": ..., "error": ...}`
// to stdout. Program prints go to stderr.

const pythonWrapper = `
import json, sys
req = json.load(sys.stdin)
out = sys.stdout
sys.stdout = sys.stderr
try:
    ns = {"__name__": "program"}
    exec(req["code"], ns)
    res = {"ok": True, "output": ns["run"](req["input"])}
except Exception as e:
    res = {"ok": False, "error": "%s: %s" % (type(e).__name__, e)}
try:
    out.write(json.dumps(res))
except (TypeError, ValueError) as e:
    out.write(json.dumps({"ok": False, "error": "invalid program output: %s" % e}))
`

const nodeWrapper = `
const fs = require("fs");
const req = JSON.parse(fs.readFileSync(0, "utf8"));
console.log = console.error;
let res;
try {
  const mod = { exports: {} };
  new Function("module", "exports", "require", req.code + "\n;if (typeof run === 'function') { module.exports.run = run; }")(mod, mod.exports, require);
  const out = mod.exports.run(req.input);
  res = { ok: true, output: out === undefined ? null : out };
} catch (e) {
  res = { ok: false, error: String(e) };
}
process.stdout.write(JSON.stringify(res));
`
