package racetrack

const defaultSystemTemplate = `You generate ASCII race tracks. Use ONLY the specified characters. Each line must be EXACTLY {{.LineLen}} characters long.`

const defaultUserTemplate = `You are generating an ASCII racing track for a high-speed car game.

CRITICAL FORMAT REQUIREMENTS:
- Each line must be EXACTLY {{.LineLen}} characters long
- Format: '|' + exactly {{.Width}} characters + '|'
- Use only these obstacle characters: {{.Obstacles}}
- Use space ' ' for empty road
- '[' and ']' may narrow the road from the left and right edges
- NO other characters allowed (no emoji, no special symbols)

ROAD TYPE: {{.RoadType}}

OBSTACLE PLACEMENT:
- Place 0-2 obstacles per line depending on difficulty
- Create interesting patterns: clusters, narrow passages, slalom courses
- Leave clear paths for skilled players
- Use only the specified ASCII characters: {{.Obstacles}}

DIFFICULTY LEVEL: {{.Difficulty}}/5
- Level 1-2: Sparse obstacles, wide passages
- Level 3-4: More obstacles, tighter passages
- Level 5: Dense obstacle courses, narrow gaps

PREVIOUS ROAD CONTEXT:
{{.Context}}

Generate {{.Want}} consecutive road lines continuing from the context.
Each line must be exactly: {{.EmptyLine}} (with obstacles replacing some spaces)

Output ONLY the road lines, nothing else. No explanations, no extra text.`
