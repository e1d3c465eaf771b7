package cache

import "github.com/redis/go-redis/v9"

var (
	// luaSyncBalance 同步钱包余额
	// KEYS[1]: balance_key
	// ARGV[1]: available (wallet authoritative figure)
	// ARGV[2]: force flag ('1' overwrites available, '0' create-if-absent)
	// ARGV[3]: current_timestamp (ms)
	// Returns: HGETALL result of the balance hash
	luaSyncBalance = redis.NewScript(`
		local key = KEYS[1]
		local available = ARGV[1]
		local force = ARGV[2] == '1'
		local now = ARGV[3]

		local exists = redis.call('EXISTS', key)
		if exists == 0 then
			redis.call('HSET', key,
				'available', available,
				'locked', '0',
				'version', '1',
				'updated_at', now
			)
			return redis.call('HGETALL', key)
		end

		if force then
			redis.call('HSET', key, 'available', available)
			redis.call('HINCRBY', key, 'version', 1)
			redis.call('HSET', key, 'updated_at', now)
		end

		return redis.call('HGETALL', key)
	`)

	// luaReserve 原子预留
	// 同一 (user, kind, ref) 的重复预留按差额替换:
	// delta = 新金额 - 已有锁金额, 只校验并扣减 delta。
	// KEYS[1]: balance_key
	// KEYS[2]: hold_key
	// ARGV[1]: amount
	// ARGV[2]: kind
	// ARGV[3]: ref_id
	// ARGV[4]: current_timestamp
	// Returns: {'ok', delta} or {'err', reason}
	luaReserve = redis.NewScript(`
		local balance_key = KEYS[1]
		local hold_key = KEYS[2]
		local amount = tonumber(ARGV[1])
		local kind = ARGV[2]
		local ref_id = ARGV[3]
		local now = ARGV[4]

		if redis.call('EXISTS', balance_key) == 0 then
			return {'err', 'balance_not_found'}
		end

		local available = tonumber(redis.call('HGET', balance_key, 'available') or '0')
		local existing = tonumber(redis.call('HGET', hold_key, 'amount') or '0')
		local delta = amount - existing

		if delta > available then
			return {'err', 'insufficient_balance'}
		end

		redis.call('HINCRBYFLOAT', balance_key, 'available', -delta)
		redis.call('HINCRBYFLOAT', balance_key, 'locked', delta)
		redis.call('HINCRBY', balance_key, 'version', 1)
		redis.call('HSET', balance_key, 'updated_at', now)

		redis.call('HSET', hold_key,
			'amount', tostring(amount),
			'kind', kind,
			'ref_id', ref_id
		)

		return {'ok', tostring(delta)}
	`)

	// luaRelease 原子释放预留
	// 锁不存在视为 no-op (幂等)，返回释放金额 0。
	// KEYS[1]: balance_key
	// KEYS[2]: hold_key
	// ARGV[1]: current_timestamp
	// Returns: {'ok', released_amount}
	luaRelease = redis.NewScript(`
		local balance_key = KEYS[1]
		local hold_key = KEYS[2]
		local now = ARGV[1]

		local amount = tonumber(redis.call('HGET', hold_key, 'amount') or '0')
		if amount == 0 then
			redis.call('DEL', hold_key)
			return {'ok', '0'}
		end

		redis.call('HINCRBYFLOAT', balance_key, 'locked', -amount)
		redis.call('HINCRBYFLOAT', balance_key, 'available', amount)
		redis.call('HINCRBY', balance_key, 'version', 1)
		redis.call('HSET', balance_key, 'updated_at', now)
		redis.call('DEL', hold_key)

		return {'ok', tostring(amount)}
	`)

	// luaCommit 锁定金额转永久扣减
	// 从 locked 扣减且不退回 available。锁不存在返回 hold_not_found，
	// 调用方记录日志即可 (commit 信号可能被重复投递)。
	// KEYS[1]: balance_key
	// KEYS[2]: hold_key
	// ARGV[1]: current_timestamp
	// Returns: {'ok', committed_amount} or {'err', 'hold_not_found'}
	luaCommit = redis.NewScript(`
		local balance_key = KEYS[1]
		local hold_key = KEYS[2]
		local now = ARGV[1]

		if redis.call('EXISTS', hold_key) == 0 then
			return {'err', 'hold_not_found'}
		end

		local amount = tonumber(redis.call('HGET', hold_key, 'amount') or '0')

		redis.call('HINCRBYFLOAT', balance_key, 'locked', -amount)
		redis.call('HINCRBY', balance_key, 'version', 1)
		redis.call('HSET', balance_key, 'updated_at', now)
		redis.call('DEL', hold_key)

		return {'ok', tostring(amount)}
	`)
)
