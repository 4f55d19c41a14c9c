// Package skolebot implements a Discord bot for a school server. It
// onboards new members over DM and tracks chat activity with levels.
//
// Key components of the package include:
//
//   - Bot: Connects the components below to a discord gateway session.
//   - Onboarding: Runs the DM questionnaire for new members. Students
//     ("elev") are approved automatically, teachers ("lærer") are posted
//     to a review channel.
//   - Review: Handles the approve/deny buttons on teacher applications.
//   - Leveling: Awards points for guild messages, with a per-member
//     cooldown, and keeps each member's level role current.
//   - RecordStore: Persists application and level records in JSON
//     documents, a sqlite or postgres database, or redis.
//   - API: Admin HTTP API for records, the leaderboard and metrics.
//
// The bot supports these commands:
//
//   - /apply: Starts the questionnaire for members who missed the DM.
//   - /info: Shows a member's application, with the student number hidden.
//   - /leaderboard: Shows the members with the most points.
//   - /bot-info: Describes the bot, and how levels are earned.
package skolebot
