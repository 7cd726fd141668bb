package stages

const storySystemPrompt = `You write advertisement story treatments. Respond with JSON only:
{"story": "<a concise narrative treatment for a short video advertisement>"}
The story must fit the requested framework, feature the product prominently,
and be realizable as 3-6 short video scenes.`

const contextSystemPrompt = `You derive a visual consistency brief from an advertisement story.
Respond with JSON only:
{
  "product": "<the product being advertised>",
  "characters": ["<recurring character descriptions>"],
  "style": "<visual style directive>",
  "palette": "<color palette>",
  "narrative": "<one-line narrative through-line>",
  "subjects": ["<3-5 reference image subjects to generate>"]
}`

const scenesSystemPrompt = `You break an advertisement story into scenes. Respond with JSON only:
{"scenes": [{"title": "<short title>", "description": "<shot description suitable as a video generation prompt>", "duration_seconds": <3-8>}]}
Use 3 to 6 scenes. Keep every scene consistent with the provided visual brief.`

const sceneEditSystemPrompt = `You rewrite a single advertisement scene according to the user's
instruction, keeping it consistent with the visual brief. Respond with JSON only:
{"scene": {"title": "<short title>", "description": "<shot description>", "duration_seconds": <3-8>}}`
