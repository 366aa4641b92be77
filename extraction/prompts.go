package extraction

const locateSystem = "You are a clinical research assistant. You answer with JSON only."

const locatePrompt = `A user is looking for the outcome described as: %q

Below are excerpts from one study. Identify the single metric in these excerpts that best matches the
user's description, and give its name exactly as it is phrased in the text.

Respond with a JSON object: {"exact_metric_name": "<name as written>"}.
If no metric matches, respond with {"exact_metric_name": null}.

EXCERPTS:
%s`

const scoopSystem = "You are a clinical research data extractor. You copy text verbatim and never summarize."

const scoopPrompt = `Find every sentence or table row in the context below that reports data for the metric %q.

Rules:
- Copy the matching sentences and table rows verbatim, including all numbers, units, confidence intervals and p-values.
- Do not summarize, paraphrase or explain.
- Exclude sentences about unrelated outcomes.
- Return raw text, not JSON. Put each match on its own line.
- If nothing in the context reports this metric, respond with exactly: N/A

CONTEXT:
%s`

const analyzeSystem = "You are a biostatistician who structures clinical trial results. You answer with JSON only."

const analyzePrompt = `The text below reports results for the outcome %q.

Extract:
- "placebo_data": the value(s) reported for the placebo or control group, with units and timepoint.
- "treatment_arms": the value(s) reported for each active treatment arm, naming each arm.
- "durations": the treatment or follow-up duration(s) at which the values were measured.

Respond with a JSON object with exactly these three string fields. Use "N/A" for anything the text does not report.

TEXT:
%s`
